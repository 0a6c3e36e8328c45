package metadata

import (
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxSnapshots = 1000

// DataFile describes a single parquet object written to the archive.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Object is a metadata document to store next to the data files.
type Object struct {
	Key  string
	Body []byte
}

// Table incrementally builds Iceberg style metadata for the depth archive.
// It keeps the latest maxSnapshots snapshots and is safe for concurrent use.
type Table struct {
	mu           sync.Mutex
	name         string
	location     string
	keyPrefix    string
	tableUUID    string
	snapshots    []Snapshot
	maxSnapshots int
	announced    bool
}

// NewTable returns a table named name whose data lives at location (for
// example s3://bucket/prefix). Metadata keys are rooted at keyPrefix.
func NewTable(name, location, keyPrefix string, maxSnapshots int) *Table {
	if maxSnapshots <= 0 {
		maxSnapshots = defaultMaxSnapshots
	}
	return &Table{
		name:         name,
		location:     location,
		keyPrefix:    keyPrefix,
		tableUUID:    uuid.NewString(),
		maxSnapshots: maxSnapshots,
	}
}

// AddFile records a newly written data file. It returns the manifest, the
// refreshed table metadata and, the first time, the catalog entry.
func (t *Table) AddFile(df DataFile) ([]Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapID := df.Timestamp.UnixNano()
	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)
	manifest, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return nil, err
	}

	t.snapshots = append(t.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
	})
	if n := len(t.snapshots); n > t.maxSnapshots {
		t.snapshots = append([]Snapshot(nil), t.snapshots[n-t.maxSnapshots:]...)
	}

	meta, err := json.MarshalIndent(TableMetadata{
		FormatVersion:     2,
		TableUUID:         t.tableUUID,
		Location:          t.location,
		CurrentSnapshotID: snapID,
		Snapshots:         t.snapshots,
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	objects := []Object{
		{Key: path.Join(t.keyPrefix, "metadata", manifestFile), Body: manifest},
		{Key: t.metadataKey(), Body: meta},
	}
	if !t.announced {
		entry, err := t.catalogEntry()
		if err != nil {
			return nil, err
		}
		objects = append(objects, entry)
		t.announced = true
	}
	return objects, nil
}

func (t *Table) metadataKey() string {
	return path.Join(t.keyPrefix, "metadata", "metadata.json")
}

func (t *Table) catalogEntry() (Object, error) {
	b, err := json.MarshalIndent(map[string]string{
		"name":              t.name,
		"metadata_location": t.location + "/metadata/metadata.json",
	}, "", "  ")
	if err != nil {
		return Object{}, err
	}
	return Object{Key: path.Join(t.keyPrefix, "catalog", t.name+".json"), Body: b}, nil
}

// Snapshots returns a copy of the retained snapshots, oldest first.
func (t *Table) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Snapshot(nil), t.snapshots...)
}
