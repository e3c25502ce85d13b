package opshub

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier("opshub_history"); got != `"opshub_history"` {
		t.Fatalf("unexpected quoting: %s", got)
	}
	if got := postgresQuoteIdentifier(`evil"table`); got != `"evil""table"` {
		t.Fatalf("embedded quote not escaped: %s", got)
	}
}

func TestPostgresQueueLockKeyIsStable(t *testing.T) {
	a := postgresQueueLockKey("opshub_event_queue", "default")
	b := postgresQueueLockKey("opshub_event_queue", "default")
	if a != b {
		t.Fatalf("lock key must be deterministic")
	}
	if a == postgresQueueLockKey("opshub_event_queue", "other") {
		t.Fatalf("different queue keys must not collide")
	}
}

func TestPostgresIntegrationHistoryRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresHistoryBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres history backend: %v", err)
	}
	pg, ok := backend.(*PostgresHistoryBackend)
	if !ok {
		t.Fatalf("expected *PostgresHistoryBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("opshub_history_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		err := backend.Append(HistoryRecord{
			NotificationID: fmt.Sprintf("cache_clearing-all-%d", i),
			Kind:           KindCacheClearing,
			Status:         StatusCompleted,
			Message:        "done",
			Progress:       100,
			Details:        map[string]any{"filesDeleted": float64(i)},
			CreatedAt:      now.Add(-time.Minute),
			EndedAt:        now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	records, err := backend.Recent(2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].NotificationID != "cache_clearing-all-2" {
		t.Fatalf("expected newest first, got %+v", records[0])
	}
	if records[0].Details["filesDeleted"] != float64(2) {
		t.Fatalf("details did not survive the round trip: %+v", records[0].Details)
	}
}

func TestPostgresIntegrationEventQueueFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresEventQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres event queue: %v", err)
	}
	pg, ok := queue.(*PostgresEventQueue)
	if !ok {
		t.Fatalf("expected *PostgresEventQueue, got %T", queue)
	}
	pg.core.tableName = postgresIntegrationTableName("opshub_evq_it")
	pg.core.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.core.tableName)
	})

	if !queue.TryEnqueue(Event{ID: "a", Kind: KindCacheClearing, Phase: PhaseStarted}) {
		t.Fatalf("expected enqueue a to succeed")
	}
	if !queue.TryEnqueue(Event{ID: "b", Kind: KindCacheClearing, Phase: PhaseProgress}) {
		t.Fatalf("expected enqueue b to succeed")
	}
	if queue.TryEnqueue(Event{ID: "c", Kind: KindCacheClearing, Phase: PhaseCompleted}) {
		t.Fatalf("expected enqueue c to fail at capacity")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.ID != "a" {
		t.Fatalf("expected first dequeue a, got ok=%v ev=%+v", ok, first)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.ID != "b" {
		t.Fatalf("expected second dequeue b, got ok=%v ev=%+v", ok, second)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func TestPostgresIntegrationEventQueueCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresEventQueue(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres event queue: %v", err)
	}
	pg, ok := queue.(*PostgresEventQueue)
	if !ok {
		t.Fatalf("expected *PostgresEventQueue, got %T", queue)
	}
	pg.core.tableName = postgresIntegrationTableName("opshub_evq_race_it")
	pg.core.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.core.tableName)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if queue.TryEnqueue(Event{ID: fmt.Sprintf("ev_%d", n), Kind: KindGeneric, Phase: PhaseProgress}) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected queue depth 1 after concurrent enqueue, got %d", depth)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("OPSHUB_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set OPSHUB_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
