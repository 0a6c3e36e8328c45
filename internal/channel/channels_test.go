package channel

import (
	"context"
	"testing"
	"time"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1)
	if c.Feed == nil {
		t.Fatalf("expected non-nil feed channel")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	c.Close()
}
