package deadletter

import (
	"context"
	"sort"
	"sync"
)

type position struct {
	topic     string
	partition int
	offset    int64
}

// MemoryStore keeps entries in process. The archiver uses it when no
// database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[position]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[position]struct{})}
}

func (s *MemoryStore) Save(_ context.Context, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := position{entry.Topic, entry.Partition, entry.Offset}
	if _, dup := s.seen[pos]; dup {
		return false, nil
	}
	s.seen[pos] = struct{}{}
	entry.ID = int64(len(s.entries) + 1)
	s.entries = append(s.entries, entry)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	filter = filter.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.TransactionKey == "" || e.MessageKey == filter.TransactionKey {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
