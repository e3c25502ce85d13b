package opshub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func applyStaleRunning(t *testing.T, store *Store, id string, kind Kind, disc string, age time.Duration) {
	t.Helper()
	err := store.Apply(Event{
		ID:            id,
		Kind:          kind,
		Phase:         PhaseStarted,
		Status:        StatusRunning,
		Discriminator: disc,
		ReceivedAt:    time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestWatchdogClearsStuckNotification(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{}
	watchdog := NewWatchdog(store, client, time.Hour)

	applyStaleRunning(t, store, "cache_clearing-all", KindCacheClearing, "", 2*time.Hour)

	cleared := watchdog.runOnce(context.Background())
	if cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d", cleared)
	}
	n, err := store.Get("cache_clearing-all")
	if err != nil {
		t.Fatalf("record should linger until dismissal completes: %v", err)
	}
	if n.Status != StatusFailed {
		t.Fatalf("expected stuck record failed out, got %s", n.Status)
	}
	if !store.IsDismissing("cache_clearing-all") {
		t.Fatalf("cleared record must be dismissing")
	}
}

func TestWatchdogTouchesLiveOperation(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{
		listOps: []BackendOperation{{
			Kind:    KindCacheClearing,
			Status:  StatusRunning,
			Service: "",
		}},
	}
	watchdog := NewWatchdog(store, client, time.Hour)

	applyStaleRunning(t, store, "cache_clearing-all", KindCacheClearing, "", 2*time.Hour)
	before, _ := store.Get("cache_clearing-all")

	if cleared := watchdog.runOnce(context.Background()); cleared != 0 {
		t.Fatalf("live operation must not be cleared, got %d", cleared)
	}
	after, _ := store.Get("cache_clearing-all")
	if after.Status != StatusRunning {
		t.Fatalf("live record must stay running, got %s", after.Status)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("live record's quiet clock must be refreshed")
	}
}

func TestWatchdogMatchesByOperationID(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{
		listOps: []BackendOperation{{OperationID: "op-1", Kind: KindGeneric, Status: StatusRunning}},
	}
	watchdog := NewWatchdog(store, client, time.Hour)

	err := store.Apply(Event{
		ID:         "custom-id",
		Kind:       KindGeneric,
		Phase:      PhaseStarted,
		Status:     StatusRunning,
		Details:    map[string]any{"operationId": "op-1"},
		ReceivedAt: time.Now().UTC().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if cleared := watchdog.runOnce(context.Background()); cleared != 0 {
		t.Fatalf("operation matched by id must not be cleared, got %d", cleared)
	}
}

func TestWatchdogSkipsFreshRecords(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{}
	watchdog := NewWatchdog(store, client, time.Hour)

	_ = store.Apply(Event{ID: "n1", Kind: KindGeneric, Phase: PhaseStarted, Status: StatusRunning})
	if cleared := watchdog.runOnce(context.Background()); cleared != 0 {
		t.Fatalf("fresh record must not be cleared, got %d", cleared)
	}
	if atomic.LoadInt32(&client.listCalls) != 0 {
		t.Fatalf("no stale records means no backend refetch")
	}
}

func TestWatchdogLeavesRecordsWhenRefetchFails(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{listErr: errors.New("backend down")}
	watchdog := NewWatchdog(store, client, time.Hour)

	applyStaleRunning(t, store, "n1", KindGeneric, "", 2*time.Hour)
	if cleared := watchdog.runOnce(context.Background()); cleared != 0 {
		t.Fatalf("refetch failure must not clear records, got %d", cleared)
	}
	n, _ := store.Get("n1")
	if n.Status != StatusRunning {
		t.Fatalf("record must be untouched on refetch failure, got %s", n.Status)
	}
}
