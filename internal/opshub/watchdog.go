package opshub

import (
	"context"
	"log"
	"time"
)

// Watchdog guards against notifications stuck in running after the push
// channel missed a terminal event. A record quiet beyond the policy period
// triggers a refetch of backend operation status; records the backend no
// longer reports are failed out and dismissed.
type Watchdog struct {
	store    *Store
	client   CommandClient
	interval time.Duration
}

func NewWatchdog(store *Store, client CommandClient, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watchdog{store: store, client: client, interval: interval}
}

func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce returns the number of stuck records cleared.
func (w *Watchdog) runOnce(ctx context.Context) int {
	quiet := w.store.PolicyValue().WatchdogQuiet
	cutoff := time.Now().UTC().Add(-quiet)
	stale := w.store.FindActive(func(n Notification) bool {
		return n.Status == StatusRunning && n.UpdatedAt.Before(cutoff) && !w.store.IsDismissing(n.ID)
	})
	if len(stale) == 0 {
		return 0
	}

	ops, err := w.client.ListOperations(ctx)
	if err != nil {
		log.Printf("opshub: watchdog refetch failed: %v", err)
		return 0
	}
	byOpID := map[string]BackendOperation{}
	byTarget := map[string]BackendOperation{}
	for _, op := range ops {
		if op.Status != StatusRunning {
			continue
		}
		if op.OperationID != "" {
			byOpID[op.OperationID] = op
		}
		byTarget[NotificationID(op.Kind, op.Service)] = op
	}

	cleared := 0
	for _, n := range stale {
		_, liveByOp := byOpID[n.OperationID()]
		_, liveByTarget := byTarget[n.ID]
		if liveByOp || liveByTarget {
			// Backend still reports it; just refresh the quiet clock.
			_ = w.store.Touch(n.ID)
			continue
		}
		log.Printf("opshub: watchdog clearing stuck notification %s (quiet > %s)", n.ID, quiet)
		if err := w.store.Apply(Event{
			ID:     n.ID,
			Kind:   n.Kind,
			Phase:  PhaseFailed,
			Status: StatusFailed,
			Error:  "operation no longer reported by backend",
		}); err != nil {
			continue
		}
		if err := w.store.Dismiss(n.ID); err == nil {
			cleared++
		}
	}
	return cleared
}
