package opshub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCommandClient struct {
	startResult StartResult
	startErr    error
	cancelErr   error
	killErr     error
	listOps     []BackendOperation
	listErr     error

	startCalls  int32
	cancelCalls int32
	killCalls   int32
	listCalls   int32

	cancelGate chan struct{}
}

func (c *fakeCommandClient) StartOperation(ctx context.Context, kind Kind, params map[string]any) (StartResult, error) {
	atomic.AddInt32(&c.startCalls, 1)
	return c.startResult, c.startErr
}

func (c *fakeCommandClient) CancelOperation(ctx context.Context, kind Kind, opID string) error {
	atomic.AddInt32(&c.cancelCalls, 1)
	if c.cancelGate != nil {
		select {
		case <-c.cancelGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.cancelErr
}

func (c *fakeCommandClient) ForceKill(ctx context.Context, kind Kind, opID string) error {
	atomic.AddInt32(&c.killCalls, 1)
	return c.killErr
}

func (c *fakeCommandClient) ListOperations(ctx context.Context) ([]BackendOperation, error) {
	atomic.AddInt32(&c.listCalls, 1)
	return c.listOps, c.listErr
}

func TestStartInsertsOptimisticRunningRecord(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{startResult: StartResult{Started: true, OperationID: "op-1", Message: "started"}}
	dispatcher := NewDispatcher(store, client)

	id, err := dispatcher.Start(context.Background(), KindCacheClearing, "", nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if id != "cache_clearing-all" {
		t.Fatalf("unexpected id: %s", id)
	}
	n, err := store.Get(id)
	if err != nil {
		t.Fatalf("optimistic record missing: %v", err)
	}
	if n.Status != StatusRunning {
		t.Fatalf("expected running, got %s", n.Status)
	}
	if n.OperationID() != "op-1" {
		t.Fatalf("expected backend operation id carried in details, got %q", n.OperationID())
	}
}

func TestStartRejectedWhileAlreadyRunning(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{startResult: StartResult{Started: true}}
	dispatcher := NewDispatcher(store, client)

	if _, err := dispatcher.Start(context.Background(), KindLogRemoval, "steam", nil); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	_, err := dispatcher.Start(context.Background(), KindLogRemoval, "steam", nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if got := atomic.LoadInt32(&client.startCalls); got != 1 {
		t.Fatalf("second start must not reach the backend, got %d calls", got)
	}
}

func TestStartSurfacesBackendRefusal(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{startResult: StartResult{Started: false, Message: "another operation in progress"}}
	dispatcher := NewDispatcher(store, client)

	_, err := dispatcher.Start(context.Background(), KindDepotMapping, "", nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, getErr := store.Get("depot_mapping-all"); !errors.Is(getErr, ErrNotFound) {
		t.Fatalf("refused start must not leave a record behind")
	}
}

func TestRepeatedCancelCollapsesToOneCall(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{cancelGate: make(chan struct{})}
	dispatcher := NewDispatcher(store, client)

	_ = store.Apply(Event{ID: "cache_clearing-all", Kind: KindCacheClearing, Phase: PhaseStarted, Status: StatusRunning})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- dispatcher.Cancel(context.Background(), "cache_clearing-all")
	}()

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&client.cancelCalls) == 1
	})

	if err := dispatcher.Cancel(context.Background(), "cache_clearing-all"); !errors.Is(err, ErrDispatchBusy) {
		t.Fatalf("expected ErrDispatchBusy while in flight, got %v", err)
	}

	close(client.cancelGate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	if got := atomic.LoadInt32(&client.cancelCalls); got != 1 {
		t.Fatalf("expected exactly one outbound cancel, got %d", got)
	}
}

func TestCancelGracefulDismisses(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{}
	dispatcher := NewDispatcher(store, client)

	_ = store.Apply(Event{ID: "n1", Kind: KindGeneric, Phase: PhaseStarted, Status: StatusRunning})
	if err := dispatcher.Cancel(context.Background(), "n1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !store.IsDismissing("n1") {
		t.Fatalf("graceful cancel must dismiss the record")
	}
	if atomic.LoadInt32(&client.killCalls) != 0 {
		t.Fatalf("graceful cancel must not force kill")
	}
	if dispatcher.State("n1") != DispatchIdle {
		t.Fatalf("dispatch state must settle back to idle")
	}
}

func TestCancelBenignErrorCountsAsSuccess(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{cancelErr: errors.New("operation not found")}
	dispatcher := NewDispatcher(store, client)

	_ = store.Apply(Event{ID: "n1", Kind: KindGeneric, Phase: PhaseStarted, Status: StatusRunning})
	if err := dispatcher.Cancel(context.Background(), "n1"); err != nil {
		t.Fatalf("benign rejection must not fail the cancel: %v", err)
	}
	if atomic.LoadInt32(&client.killCalls) != 0 {
		t.Fatalf("benign rejection must not escalate to force kill")
	}
	if !store.IsDismissing("n1") {
		t.Fatalf("record must still be dismissed")
	}
}

func TestCancelEscalatesToForceKill(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{cancelErr: errors.New("backend exploded")}
	dispatcher := NewDispatcher(store, client)

	_ = store.Apply(Event{
		ID: "n1", Kind: KindGeneric, Phase: PhaseStarted, Status: StatusRunning,
		Details: map[string]any{"operationId": "op-3"},
	})
	if err := dispatcher.Cancel(context.Background(), "n1"); err != nil {
		t.Fatalf("cancel with successful kill should succeed: %v", err)
	}
	if atomic.LoadInt32(&client.killCalls) != 1 {
		t.Fatalf("expected force kill after hard cancel error")
	}
	if !store.IsDismissing("n1") {
		t.Fatalf("record must be dismissed even on the kill path")
	}
}

func TestCancelReportsKillFailureButStillDismisses(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{
		cancelErr: errors.New("backend exploded"),
		killErr:   errors.New("kill rejected"),
	}
	var reported atomic.Int32
	dispatcher := NewDispatcherWithOptions(store, client, DispatcherOptions{
		OnError: func(id string, err error) { reported.Add(1) },
	})

	_ = store.Apply(Event{ID: "n1", Kind: KindGeneric, Phase: PhaseStarted, Status: StatusRunning})
	err := dispatcher.Cancel(context.Background(), "n1")
	if err == nil || err.Error() != "kill rejected" {
		t.Fatalf("expected kill error surfaced, got %v", err)
	}
	if !store.IsDismissing("n1") {
		t.Fatalf("record must be dismissed regardless of kill outcome")
	}
	if reported.Load() == 0 {
		t.Fatalf("kill failure must be reported")
	}
}

func TestForceKillDismissesRegardlessOfOutcome(t *testing.T) {
	store := newTestStore(t)
	client := &fakeCommandClient{killErr: errors.New("kill rejected")}
	dispatcher := NewDispatcher(store, client)

	_ = store.Apply(Event{ID: "n1", Kind: KindGeneric, Phase: PhaseStarted, Status: StatusRunning})
	err := dispatcher.ForceKill(context.Background(), "n1")
	if err == nil {
		t.Fatalf("expected kill error surfaced")
	}
	if atomic.LoadInt32(&client.cancelCalls) != 0 {
		t.Fatalf("force kill must not attempt a graceful cancel")
	}
	if atomic.LoadInt32(&client.killCalls) != 1 {
		t.Fatalf("expected one kill call, got %d", atomic.LoadInt32(&client.killCalls))
	}
	if !store.IsDismissing("n1") {
		t.Fatalf("record must be dismissed even when the kill fails")
	}
	if dispatcher.State("n1") != DispatchIdle {
		t.Fatalf("state must settle back to idle")
	}
}

func TestCancelUnknownNotification(t *testing.T) {
	store := newTestStore(t)
	dispatcher := NewDispatcher(store, &fakeCommandClient{})
	if err := dispatcher.Cancel(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if dispatcher.State("ghost") != DispatchIdle {
		t.Fatalf("state must reset after a failed lookup")
	}
}

func TestIsBenignCancelError(t *testing.T) {
	cases := []struct {
		err    error
		benign bool
	}{
		{nil, false},
		{errors.New("Operation Not Found"), true},
		{errors.New("task already completed"), true},
		{errors.New("job is not running"), true},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := isBenignCancelError(tc.err); got != tc.benign {
			t.Fatalf("isBenignCancelError(%v) = %v, want %v", tc.err, got, tc.benign)
		}
	}
}
