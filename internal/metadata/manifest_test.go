package metadata

import (
	"encoding/json"
	"testing"
	"time"
)

func dataFile(ts time.Time) DataFile {
	return DataFile{
		Path:        "s3://depth-archive/raw/symbol=BTCUSDT/file.parquet",
		FileSize:    100,
		RecordCount: 10,
		Partition:   map[string]any{"exchange": "binance", "symbol": "BTCUSDT"},
		Timestamp:   ts,
	}
}

func TestAddFileProducesMetadataObjects(t *testing.T) {
	table := NewTable("depth", "s3://depth-archive/raw", "raw", 0)

	objs, err := table.AddFile(dataFile(time.Unix(0, 42)))
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("first file should yield manifest, metadata and catalog, got %d", len(objs))
	}
	if objs[0].Key != "raw/metadata/manifest-42.json" || objs[1].Key != "raw/metadata/metadata.json" || objs[2].Key != "raw/catalog/depth.json" {
		t.Fatalf("unexpected keys: %s %s %s", objs[0].Key, objs[1].Key, objs[2].Key)
	}

	var meta TableMetadata
	if err := json.Unmarshal(objs[1].Body, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.CurrentSnapshotID != 42 || len(meta.Snapshots) != 1 || meta.Location != "s3://depth-archive/raw" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	objs, err = table.AddFile(dataFile(time.Unix(0, 43)))
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("catalog entry should only be written once, got %d objects", len(objs))
	}
}

func TestSnapshotsAreBounded(t *testing.T) {
	table := NewTable("depth", "s3://b", "", 2)
	for i := 1; i <= 3; i++ {
		if _, err := table.AddFile(dataFile(time.Unix(0, int64(i)))); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}
	snaps := table.Snapshots()
	if len(snaps) != 2 || snaps[0].SnapshotID != 2 || snaps[1].SnapshotID != 3 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}
