package opshub

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestInMemoryHistoryRecentNewestFirst(t *testing.T) {
	backend := NewInMemoryHistoryBackend(0)
	for i := 0; i < 3; i++ {
		_ = backend.Append(HistoryRecord{NotificationID: fmt.Sprintf("n%d", i)})
	}
	records, err := backend.Recent(2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(records) != 2 || records[0].NotificationID != "n2" || records[1].NotificationID != "n1" {
		t.Fatalf("expected newest first, got %+v", records)
	}
}

func TestInMemoryHistoryCapsSize(t *testing.T) {
	backend := NewInMemoryHistoryBackend(2)
	for i := 0; i < 5; i++ {
		_ = backend.Append(HistoryRecord{NotificationID: fmt.Sprintf("n%d", i)})
	}
	records, _ := backend.Recent(0)
	if len(records) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(records))
	}
	if records[0].NotificationID != "n4" {
		t.Fatalf("expected newest retained, got %+v", records)
	}
}

func TestJSONFileHistoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	backend, err := NewJSONFileHistoryBackend(path, 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_ = backend.Append(HistoryRecord{NotificationID: "n1", Kind: KindCacheClearing, Status: StatusCompleted})
	_ = backend.Close()

	reopened, err := NewJSONFileHistoryBackend(path, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	records, err := reopened.Recent(10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(records) != 1 || records[0].NotificationID != "n1" {
		t.Fatalf("expected persisted record, got %+v", records)
	}
}

func TestHistoryRecordFromNotification(t *testing.T) {
	ended := time.Now().UTC()
	n := Notification{
		ID:         "log_removal-steam",
		Kind:       KindLogRemoval,
		Status:     StatusCompleted,
		Progress:   floatPtr(100),
		Details:    map[string]any{"filesDeleted": 12},
		CreatedAt:  ended.Add(-time.Minute),
		UpdatedAt:  ended,
		TerminalAt: &ended,
	}
	rec := historyRecordFrom(n)
	if rec.NotificationID != "log_removal-steam" || rec.Status != StatusCompleted {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.EndedAt.Equal(ended) {
		t.Fatalf("expected terminal timestamp as ended time")
	}
	if rec.Progress != 100 {
		t.Fatalf("expected progress copied, got %v", rec.Progress)
	}
	rec.Details["filesDeleted"] = 99
	if n.Details["filesDeleted"] != 12 {
		t.Fatalf("record must not alias the notification details")
	}
}
