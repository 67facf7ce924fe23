package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := t.TempDir() + "/history.db"

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()

	rec := history.Record{
		Model:     "kokoro-v1.0",
		PID:       12345,
		Status:    "running",
		UpdatedAt: time.Now().UTC(),
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	rec.Status = "stopped"
	rec.Error = "signal: killed"
	rec.Detail = "Traceback (most recent call last): ..."
	if err := sink.Send(ctx, history.Event{Type: history.EventCrash, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("Failed to send crash event: %v", err)
	}

	// Verify both rows landed.
	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM worker_history").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 2 {
		t.Fatalf("row count = %d, want 2", count)
	}
}

func TestSQLiteSinkRejectsEmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
