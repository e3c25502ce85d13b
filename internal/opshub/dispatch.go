package opshub

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type StartResult struct {
	Started     bool   `json:"started"`
	OperationID string `json:"operationId,omitempty"`
	Message     string `json:"message,omitempty"`
}

type BackendOperation struct {
	OperationID string  `json:"operationId"`
	Kind        Kind    `json:"kind"`
	Service     string  `json:"service,omitempty"`
	Status      Status  `json:"status"`
	Progress    float64 `json:"percentComplete,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// CommandClient is the outbound surface to the backend command API. The
// backend owns the actual operation lifecycle; the hub only requests and
// observes.
type CommandClient interface {
	StartOperation(ctx context.Context, kind Kind, params map[string]any) (StartResult, error)
	CancelOperation(ctx context.Context, kind Kind, opID string) error
	ForceKill(ctx context.Context, kind Kind, opID string) error
	ListOperations(ctx context.Context) ([]BackendOperation, error)
}

type DispatchState int32

const (
	DispatchIdle DispatchState = iota
	DispatchInFlight
	DispatchSettling
)

// Dispatcher wraps outbound commands with a per-notification state machine.
// The state is checked and set under one mutex before any network call, so
// rapid repeated invocations collapse to a single outbound command.
type Dispatcher struct {
	store   *Store
	client  CommandClient
	onError func(id string, err error)

	mu     sync.Mutex
	states map[string]DispatchState
}

type DispatcherOptions struct {
	OnError func(id string, err error)
}

func NewDispatcher(store *Store, client CommandClient) *Dispatcher {
	return NewDispatcherWithOptions(store, client, DispatcherOptions{})
}

func NewDispatcherWithOptions(store *Store, client CommandClient, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		store:   store,
		client:  client,
		onError: opts.OnError,
		states:  map[string]DispatchState{},
	}
}

func (d *Dispatcher) State(id string) DispatchState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[id]
}

func (d *Dispatcher) acquire(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.states[id] != DispatchIdle {
		return false
	}
	d.states[id] = DispatchInFlight
	return true
}

func (d *Dispatcher) setState(id string, state DispatchState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state == DispatchIdle {
		delete(d.states, id)
		return
	}
	d.states[id] = state
}

// Start requests a new backend operation and optimistically inserts the
// running notification before the first push event arrives. A running
// instance for the same (kind, discriminator) blocks the start.
func (d *Dispatcher) Start(ctx context.Context, kind Kind, discriminator string, params map[string]any) (string, error) {
	id := NotificationID(kind, discriminator)
	if !d.acquire(id) {
		return "", ErrDispatchBusy
	}
	defer d.setState(id, DispatchIdle)

	if existing, err := d.store.Get(id); err == nil && existing.Status == StatusRunning {
		return "", fmt.Errorf("%w: %s already running", ErrInvalidState, id)
	}

	result, err := d.client.StartOperation(ctx, kind, params)
	if err != nil {
		return "", err
	}
	if !result.Started {
		if result.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrInvalidState, result.Message)
		}
		return "", fmt.Errorf("%w: backend refused to start %s", ErrInvalidState, kind)
	}

	d.store.ReplaceForRestart(kind, discriminator, id)
	details := map[string]any{}
	if result.OperationID != "" {
		details["operationId"] = result.OperationID
	}
	if err := d.store.Apply(Event{
		ID:            id,
		Kind:          kind,
		Phase:         PhaseStarted,
		Status:        StatusRunning,
		Discriminator: discriminator,
		Message:       result.Message,
		Details:       details,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// Cancel runs the tiered fallback chain: graceful cancel, then benign-error
// classification, then force kill. Every terminal branch removes the
// notification locally so the surface never shows a stuck cancel; genuine
// failures are additionally reported through onError.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	if !d.acquire(id) {
		return ErrDispatchBusy
	}

	rec, err := d.store.Get(id)
	if err != nil {
		d.setState(id, DispatchIdle)
		return err
	}

	defer func() {
		// Settle regardless of which branch we took: the cancelling marker
		// and the dispatch state never outlive the attempt.
		d.setState(id, DispatchSettling)
		if clearErr := d.store.SetCancelling(id, false); clearErr != nil && clearErr != ErrNotFound {
			d.reportError(id, clearErr)
		}
		d.setState(id, DispatchIdle)
	}()

	_ = d.store.SetCancelling(id, true)

	opID := rec.OperationID()
	if opID == "" {
		opID = id
	}

	cancelErr := d.client.CancelOperation(ctx, rec.Kind, opID)
	if cancelErr == nil || isBenignCancelError(cancelErr) {
		return d.store.Dismiss(id)
	}

	killErr := d.client.ForceKill(ctx, rec.Kind, opID)
	if dismissErr := d.store.Dismiss(id); dismissErr != nil && dismissErr != ErrNotFound {
		d.reportError(id, dismissErr)
	}
	if killErr != nil {
		d.reportError(id, killErr)
		return killErr
	}
	return nil
}

// ForceKill skips the graceful tier entirely. The notification is dismissed
// whether or not the backend accepts the kill.
func (d *Dispatcher) ForceKill(ctx context.Context, id string) error {
	if !d.acquire(id) {
		return ErrDispatchBusy
	}

	rec, err := d.store.Get(id)
	if err != nil {
		d.setState(id, DispatchIdle)
		return err
	}

	defer func() {
		d.setState(id, DispatchSettling)
		if clearErr := d.store.SetCancelling(id, false); clearErr != nil && clearErr != ErrNotFound {
			d.reportError(id, clearErr)
		}
		d.setState(id, DispatchIdle)
	}()

	_ = d.store.SetCancelling(id, true)

	opID := rec.OperationID()
	if opID == "" {
		opID = id
	}

	killErr := d.client.ForceKill(ctx, rec.Kind, opID)
	if dismissErr := d.store.Dismiss(id); dismissErr != nil && dismissErr != ErrNotFound {
		d.reportError(id, dismissErr)
	}
	if killErr != nil {
		d.reportError(id, killErr)
		return killErr
	}
	return nil
}

func (d *Dispatcher) reportError(id string, err error) {
	if d.onError == nil || err == nil {
		return
	}
	d.onError(id, err)
}

var benignCancelPatterns = []string{
	"not found",
	"no such operation",
	"already completed",
	"already finished",
	"not running",
}

// isBenignCancelError matches backend rejections that mean the operation is
// already gone; those count as a successful cancel.
func isBenignCancelError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, pattern := range benignCancelPatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}
