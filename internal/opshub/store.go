package opshub

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type StoreOptions struct {
	Policy         Policy
	EventQueue     EventQueue
	EventQueueSize int
	EventWorkers   int
	History        HistoryBackend
	DisableWorkers bool
	DisableSweeper bool
}

type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeRemove ChangeType = "remove"
)

type Change struct {
	Revision     uint64       `json:"revision"`
	Type         ChangeType   `json:"type"`
	Notification Notification `json:"notification"`
}

type StoreStatus struct {
	Revision         uint64 `json:"revision"`
	Records          int    `json:"records"`
	Running          int    `json:"running"`
	Dismissing       int    `json:"dismissing"`
	QueueDepth       int    `json:"queueDepth"`
	QueueCapacity    int    `json:"queueCapacity"`
	MalformedDropped int64  `json:"malformedDropped"`
	QueueDropped     int64  `json:"queueDropped"`
}

// Store is the authoritative in-memory set of notifications. Every mutation
// goes through its API and runs to completion under the store mutex; reads
// hand out clones, never internal pointers.
type Store struct {
	mu         sync.RWMutex
	records    map[string]*Notification
	order      []string
	revision   uint64
	dismissing map[string]struct{}

	subMu       sync.Mutex
	subscribers map[int]chan Change
	nextSubID   int

	policyMu sync.RWMutex
	policy   Policy

	queue     EventQueue
	history   HistoryBackend
	scheduler *scheduler

	malformedDropped atomic.Int64
	queueDropped     atomic.Int64

	closed      chan struct{}
	closeOnce   sync.Once
	workerCtx   context.Context
	workerStop  context.CancelFunc
	wg          sync.WaitGroup
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	queueSize := opts.EventQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	queue := opts.EventQueue
	if queue == nil {
		queue = NewInMemoryEventQueue(queueSize)
	}
	workers := opts.EventWorkers
	if workers <= 0 {
		workers = 1
	}
	history := opts.History
	if history == nil {
		history = NewInMemoryHistoryBackend(0)
	}

	workerCtx, workerStop := context.WithCancel(context.Background())
	s := &Store{
		records:     map[string]*Notification{},
		dismissing:  map[string]struct{}{},
		subscribers: map[int]chan Change{},
		policy:      opts.Policy.withDefaults(),
		queue:       queue,
		history:     history,
		scheduler:   newScheduler(),
		closed:      make(chan struct{}),
		workerCtx:   workerCtx,
		workerStop:  workerStop,
	}

	if !opts.DisableWorkers {
		s.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer s.wg.Done()
				s.eventWorker()
			}()
		}
	}
	if !opts.DisableSweeper {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.retentionSweeper()
		}()
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.workerStop()
		s.scheduler.stop()
		s.wg.Wait()
		_ = s.queue.Close()
		_ = s.history.Close()
		s.subMu.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subMu.Unlock()
	})
}

func (s *Store) SetPolicy(policy Policy) {
	s.policyMu.Lock()
	s.policy = policy.withDefaults()
	s.policyMu.Unlock()
}

func (s *Store) PolicyValue() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// Ingest buffers a canonical event for the reconciler workers. Malformed
// events (no id) are dropped here with a diagnostic log; this is a local
// degradation, never fatal.
func (s *Store) Ingest(ev Event) error {
	if ev.ID == "" {
		s.malformedDropped.Add(1)
		log.Printf("opshub: dropping event with no id (kind=%s phase=%s)", ev.Kind, ev.Phase)
		return ErrInvalidInput
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if !s.queue.TryEnqueue(ev) {
		s.queueDropped.Add(1)
		log.Printf("opshub: event queue full, dropping event id=%s phase=%s", ev.ID, ev.Phase)
		return ErrQueueFull
	}
	return nil
}

func (s *Store) eventWorker() {
	for {
		ev, ok := s.queue.Dequeue(s.workerCtx)
		if !ok {
			return
		}
		if err := s.Apply(ev); err != nil {
			log.Printf("opshub: apply failed for event id=%s: %v", ev.ID, err)
		}
	}
}

// Apply reconciles one event into the store. Insert when the id is unknown;
// otherwise shallow-merge, with sticky terminal status and replace-on-fresh-
// Started semantics. Runs to completion atomically.
func (s *Store) Apply(ev Event) error {
	if ev.ID == "" {
		s.malformedDropped.Add(1)
		return ErrInvalidInput
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	var archived []HistoryRecord
	s.mu.Lock()
	existing, ok := s.records[ev.ID]
	switch {
	case !ok:
		s.insertLocked(newNotification(ev))
	case existing.Status.Terminal() && ev.Phase == PhaseStarted:
		// Fresh operation instance reusing the id: replace the stale
		// terminal record outright.
		s.replaceLocked(newNotification(ev))
	case existing.Status.Terminal():
		s.mergeLocked(existing, ev, true)
	case ev.Phase == PhaseStarted:
		s.replaceLocked(newNotification(ev))
	default:
		s.mergeLocked(existing, ev, false)
	}

	if rec, ok := s.records[ev.ID]; ok {
		// Enforce at most one running record per (kind, discriminator).
		if ev.Phase == PhaseStarted {
			s.evictSiblingsLocked(rec)
		}
		if rec.Status.Terminal() && rec.TerminalAt != nil && !rec.archived {
			rec.archived = true
			archived = append(archived, historyRecordFrom(*rec))
		}
	}
	s.bumpAndBroadcastLocked(ChangeUpsert, ev.ID)
	s.mu.Unlock()

	for _, rec := range archived {
		if err := s.history.Append(rec); err != nil {
			log.Printf("opshub: history append failed for %s: %v", rec.NotificationID, err)
		}
	}
	return nil
}

func newNotification(ev Event) *Notification {
	now := ev.ReceivedAt
	status := ev.Status
	if status == "" {
		status = StatusRunning
	}
	n := &Notification{
		ID:            ev.ID,
		Kind:          ev.Kind,
		Status:        status,
		Discriminator: ev.Discriminator,
		Message:       ev.Message,
		DetailMessage: ev.DetailMessage,
		Error:         ev.Error,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ev.Progress != nil {
		p := *ev.Progress
		n.Progress = &p
		n.PeakProgress = p
	}
	if len(ev.Details) > 0 {
		n.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			n.Details[k] = v
		}
	}
	if status.Terminal() {
		t := now
		n.TerminalAt = &t
	}
	return n
}

func (s *Store) insertLocked(n *Notification) {
	s.records[n.ID] = n
	s.order = append(s.order, n.ID)
	// A record coming back cancels any pending dismissal for its id.
	if _, dismissing := s.dismissing[n.ID]; dismissing {
		delete(s.dismissing, n.ID)
		s.scheduler.cancel(n.ID)
	}
}

func (s *Store) replaceLocked(n *Notification) {
	if _, ok := s.records[n.ID]; !ok {
		s.insertLocked(n)
		return
	}
	s.records[n.ID] = n
	if _, dismissing := s.dismissing[n.ID]; dismissing {
		delete(s.dismissing, n.ID)
		s.scheduler.cancel(n.ID)
	}
}

// mergeLocked shallow-merges the event over the record: present fields win,
// absent fields never erase. With sticky set, the record's terminal status
// and terminal timestamp are immutable.
func (s *Store) mergeLocked(rec *Notification, ev Event, sticky bool) {
	if ev.Status != "" && !sticky {
		wasTerminal := rec.Status.Terminal()
		rec.Status = ev.Status
		if !wasTerminal && ev.Status.Terminal() {
			t := ev.ReceivedAt
			rec.TerminalAt = &t
			// Terminal transition is the one path allowed to clear an
			// in-flight cancel marker.
			rec.Cancelling = false
		}
	}
	if ev.Message != "" {
		rec.Message = ev.Message
	}
	if ev.DetailMessage != "" {
		rec.DetailMessage = ev.DetailMessage
	}
	if ev.Error != "" {
		rec.Error = ev.Error
	}
	if ev.Progress != nil {
		p := *ev.Progress
		rec.Progress = &p
		if p > rec.PeakProgress {
			rec.PeakProgress = p
		}
	}
	for k, v := range ev.Details {
		if rec.Details == nil {
			rec.Details = map[string]any{}
		}
		rec.Details[k] = v
	}
	rec.UpdatedAt = ev.ReceivedAt
}

func (s *Store) evictSiblingsLocked(fresh *Notification) {
	for id, rec := range s.records {
		if id == fresh.ID {
			continue
		}
		if rec.Kind != fresh.Kind || rec.Discriminator != fresh.Discriminator {
			continue
		}
		clone := rec.Clone()
		s.deleteLocked(id)
		s.revision++
		s.broadcastLocked(Change{Revision: s.revision, Type: ChangeRemove, Notification: clone})
	}
}

// Remove deletes the record immediately. Callers wanting the exit delay go
// through Dismiss instead.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	clone := rec.Clone()
	s.deleteLocked(id)
	s.revision++
	s.broadcastLocked(Change{Revision: s.revision, Type: ChangeRemove, Notification: clone})
	s.mu.Unlock()
	return nil
}

func (s *Store) deleteLocked(id string) {
	delete(s.records, id)
	delete(s.dismissing, id)
	s.scheduler.cancel(id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Dismiss marks the id as leaving and removes it after the policy's dismiss
// delay. Dismissing an id twice just resets the pending timer.
func (s *Store) Dismiss(id string) error {
	s.mu.Lock()
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.dismissing[id] = struct{}{}
	s.bumpAndBroadcastLocked(ChangeUpsert, id)
	s.mu.Unlock()

	delay := s.PolicyValue().DismissDelay
	s.scheduler.after(id, delay, func() {
		if err := s.Remove(id); err != nil && err != ErrNotFound {
			log.Printf("opshub: deferred removal of %s failed: %v", id, err)
		}
	})
	return nil
}

func (s *Store) IsDismissing(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dismissing[id]
	return ok
}

func (s *Store) SetCancelling(id string, cancelling bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Cancelling == cancelling {
		return nil
	}
	rec.Cancelling = cancelling
	rec.UpdatedAt = time.Now().UTC()
	s.bumpAndBroadcastLocked(ChangeUpsert, id)
	return nil
}

// Touch refreshes a record's UpdatedAt, used by the watchdog after the
// backend confirms the operation is still live.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	s.bumpAndBroadcastLocked(ChangeUpsert, id)
	return nil
}

func (s *Store) Get(id string) (Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// FindActive returns clones of all notifications matching the predicate, in
// insertion order.
func (s *Store) FindActive(pred func(Notification) bool) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Notification
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		clone := rec.Clone()
		if pred == nil || pred(clone) {
			out = append(out, clone)
		}
	}
	return out
}

// ReplaceForRestart drops a stale terminal record for (kind, discriminator)
// so a restarted operation does not show two rows for the same target.
func (s *Store) ReplaceForRestart(kind Kind, discriminator, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if id == newID {
			continue
		}
		if rec.Kind != kind || rec.Discriminator != discriminator {
			continue
		}
		if !rec.Status.Terminal() {
			continue
		}
		clone := rec.Clone()
		s.deleteLocked(id)
		s.revision++
		s.broadcastLocked(Change{Revision: s.revision, Type: ChangeRemove, Notification: clone})
	}
}

func (s *Store) Snapshot() ([]Notification, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, len(s.order))
	for _, id := range s.order {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, s.revision
}

func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

func (s *Store) Status() StoreStatus {
	s.mu.RLock()
	running := 0
	for _, rec := range s.records {
		if rec.Status == StatusRunning {
			running++
		}
	}
	status := StoreStatus{
		Revision:   s.revision,
		Records:    len(s.records),
		Running:    running,
		Dismissing: len(s.dismissing),
	}
	s.mu.RUnlock()
	status.QueueDepth = s.queue.Depth()
	status.QueueCapacity = s.queue.Capacity()
	status.MalformedDropped = s.malformedDropped.Load()
	status.QueueDropped = s.queueDropped.Load()
	return status
}

func (s *Store) History() HistoryBackend {
	return s.history
}

// Subscribe returns a change feed. Slow consumers lose changes rather than
// block mutations; the revision in each Change lets them detect gaps and
// resync from Snapshot.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) bumpAndBroadcastLocked(changeType ChangeType, id string) {
	s.revision++
	rec, ok := s.records[id]
	if !ok {
		return
	}
	s.broadcastLocked(Change{Revision: s.revision, Type: changeType, Notification: rec.Clone()})
}

func (s *Store) broadcastLocked(change Change) {
	s.subMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
	s.subMu.Unlock()
}

func (s *Store) retentionSweeper() {
	for {
		interval := s.PolicyValue().SweepInterval
		select {
		case <-s.closed:
			return
		case <-time.After(interval):
		}
		s.sweepOnce(time.Now().UTC())
	}
}

// sweepOnce auto-dismisses completed records past their TTL. Failed records
// stay until explicitly dismissed.
func (s *Store) sweepOnce(now time.Time) int {
	ttl := s.PolicyValue().CompletedTTL
	expired := s.FindActive(func(n Notification) bool {
		return n.Status == StatusCompleted && n.TerminalAt != nil && now.Sub(*n.TerminalAt) >= ttl
	})
	dismissed := 0
	for _, n := range expired {
		if s.IsDismissing(n.ID) {
			continue
		}
		if err := s.Dismiss(n.ID); err == nil {
			dismissed++
		}
	}
	return dismissed
}

