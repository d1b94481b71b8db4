package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
	"github.com/nsridhar76/go-txnsaga/internal/messaging/memory"
)

func dlqMessage(t *testing.T, offset int64, key, original, reason string, failedAt time.Time) messaging.Message {
	t.Helper()
	raw, err := json.Marshal(messaging.DeadLetterRecord{
		OriginalMessage: original,
		Error:           reason,
		Timestamp:       failedAt.UnixMilli(),
	})
	require.NoError(t, err)
	return messaging.Message{Topic: "txn.dlq", Partition: 0, Offset: offset, Key: []byte(key), Value: raw}
}

// storeContract checks the behavior every Store must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	archiver := NewArchiver(store, nil)

	for i, key := range []string{"t-1", "t-2", "t-1"} {
		msg := dlqMessage(t, int64(i), key, `{"id":"x"}`, "emit FundsReserved: broker down", base.Add(time.Duration(i)*time.Minute))
		assert.False(t, archiver.HandleMessage(ctx, msg).IsDeadLetter())
	}
	// Redelivery of an archived offset is a no-op.
	dup := dlqMessage(t, 0, "t-1", `{"id":"x"}`, "again", base)
	assert.False(t, archiver.HandleMessage(ctx, dup).IsDeadLetter())

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(2), all[0].Offset, "newest first")
	assert.Equal(t, "emit FundsReserved: broker down", all[2].Error)
	assert.True(t, base.Equal(all[2].FailedAt))

	byKey, err := store.List(ctx, Filter{TransactionKey: "t-1"})
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	for _, e := range byKey {
		assert.Equal(t, "t-1", e.MessageKey)
	}

	limited, err := store.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TXNSAGA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TXNSAGA_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	_, err = store.pool.Exec(ctx, "TRUNCATE dead_letters")
	require.NoError(t, err)

	storeContract(t, store)
}

func TestArchiverKeepsUndecodableRecords(t *testing.T) {
	store := NewMemoryStore()
	archiver := NewArchiver(store, nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res := archiver.HandleMessage(context.Background(), messaging.Message{
		Topic: "txn.dlq", Offset: 7, Key: []byte("t-9"), Value: []byte("garbage"), Time: at,
	})
	assert.False(t, res.IsDeadLetter())

	entries, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "garbage", entries[0].OriginalMessage)
	assert.Contains(t, entries[0].Error, "undecodable dead letter")
	assert.True(t, at.Equal(entries[0].FailedAt))
}

type failingStore struct{}

func (failingStore) Save(context.Context, Entry) (bool, error) {
	return false, errors.New("disk full")
}

func (failingStore) List(context.Context, Filter) ([]Entry, error) {
	return nil, errors.New("disk full")
}

// flakyStore fails its first saves, then writes to the embedded store.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Save(ctx context.Context, entry Entry) (bool, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return false, errors.New("connection refused")
	}
	return s.MemoryStore.Save(ctx, entry)
}

func TestArchiverStoreFailure(t *testing.T) {
	archiver := NewArchiver(failingStore{}, nil).WithRetry(time.Millisecond, 5*time.Millisecond, 30*time.Millisecond)
	res := archiver.HandleMessage(context.Background(), dlqMessage(t, 1, "t-1", "{}", "boom", time.Now()))
	assert.True(t, res.IsDeadLetter())
	assert.Contains(t, res.Err().Error(), "disk full")
}

func TestArchiverRetriesTransientStoreFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	archiver := NewArchiver(store, nil).WithRetry(time.Millisecond, 5*time.Millisecond, 5*time.Second)

	res := archiver.HandleMessage(context.Background(), dlqMessage(t, 1, "t-1", `{"id":"x"}`, "boom", time.Now()))
	assert.False(t, res.IsDeadLetter())
	assert.Equal(t, 3, store.calls)

	entries, err := store.List(context.Background(), Filter{TransactionKey: "t-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Error)
}

func TestArchiverStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	archiver := NewArchiver(failingStore{}, nil).WithRetry(10*time.Millisecond, 10*time.Millisecond, time.Hour)
	msg := dlqMessage(t, 1, "t-1", "{}", "boom", time.Now())
	time.AfterFunc(30*time.Millisecond, cancel)

	done := make(chan messaging.Result, 1)
	go func() { done <- archiver.HandleMessage(ctx, msg) }()
	select {
	case res := <-done:
		assert.True(t, res.IsDeadLetter())
	case <-time.After(2 * time.Second):
		t.Fatal("archiver kept retrying after cancel")
	}
}

func TestArchiverDrainsDeadLetterTopic(t *testing.T) {
	log := memory.NewLog(2)
	record := dlqMessage(t, 0, "t-1", `{"type":"TransactionInitiated"}`, "malformed envelope", time.Now())
	require.NoError(t, log.Publish(context.Background(), "txn.dlq", record.Key, record.Value))

	store := NewMemoryStore()
	n := log.Drain(context.Background(), "txn.dlq", "dlq-archiver-group", NewArchiver(store, nil).HandleMessage, messaging.DeadLetterSink{}, nil)
	assert.Equal(t, 1, n)

	entries, err := store.List(context.Background(), Filter{TransactionKey: "t-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"type":"TransactionInitiated"}`, entries[0].OriginalMessage)
}

func TestHandler(t *testing.T) {
	store := NewMemoryStore()
	archiver := NewArchiver(store, nil)
	now := time.Now()
	archiver.HandleMessage(context.Background(), dlqMessage(t, 0, "t-1", "{}", "a", now))
	archiver.HandleMessage(context.Background(), dlqMessage(t, 1, "t-2", "{}", "b", now.Add(time.Second)))
	h := NewHandler(store)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dead-letters?transactionKey=t-2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		DeadLetters []Entry `json:"deadLetters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.DeadLetters, 1)
	assert.Equal(t, "b", body.DeadLetters[0].Error)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dead-letters?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(failingStore{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dead-letters", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
