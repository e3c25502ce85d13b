package opshub

import (
	"strings"
	"sync"
)

// Selectors answers derived-state questions over the store snapshot. Results
// are memoized on the store's revision counter, never on deep equality of
// detail blobs, so independent consumers share one computation per revision.
type Selectors struct {
	store *Store

	mu       sync.Mutex
	valid    bool
	revision uint64
	running  map[string]Notification // keyed by kind + "\x00" + discriminator
}

func NewSelectors(store *Store) *Selectors {
	return &Selectors{store: store}
}

func (sel *Selectors) refreshLocked() {
	revision := sel.store.Revision()
	if sel.valid && revision == sel.revision {
		return
	}
	snapshot, revision := sel.store.Snapshot()
	running := map[string]Notification{}
	for _, n := range snapshot {
		if n.Status != StatusRunning {
			continue
		}
		running[runningKey(n.Kind, n.Discriminator)] = n
	}
	sel.running = running
	sel.revision = revision
	sel.valid = true
}

func runningKey(kind Kind, discriminator string) string {
	return string(kind) + "\x00" + discriminator
}

// IsKindRunning reports whether an operation of the given kind is running.
// With an empty discriminator it matches any instance of the kind.
func (sel *Selectors) IsKindRunning(kind Kind, discriminator string) bool {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.refreshLocked()
	if discriminator != "" {
		_, ok := sel.running[runningKey(kind, discriminator)]
		return ok
	}
	prefix := string(kind) + "\x00"
	for key := range sel.running {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// IsAnyRemovalRunning reports whether any removal-class operation
// (log removal, corruption removal, service removal) is running.
func (sel *Selectors) IsAnyRemovalRunning() bool {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.refreshLocked()
	for _, n := range sel.running {
		if removalKinds[n.Kind] {
			return true
		}
	}
	return false
}

// ActiveDetailFor returns the details bag of the running notification for
// (kind, discriminator), or false when none is running.
func (sel *Selectors) ActiveDetailFor(kind Kind, discriminator string) (map[string]any, bool) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.refreshLocked()
	n, ok := sel.running[runningKey(kind, discriminator)]
	if !ok {
		return nil, false
	}
	if n.Details == nil {
		return nil, true
	}
	// Callers get their own copy; the memoized entry must stay untouched
	// until the next revision rebuilds it.
	details := make(map[string]any, len(n.Details))
	for k, v := range n.Details {
		details[k] = v
	}
	return details, true
}

// CachedRevision exposes the revision the current memo was built from.
func (sel *Selectors) CachedRevision() uint64 {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return sel.revision
}
