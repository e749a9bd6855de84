package offsetstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps offsets in process memory. It backs tests and
// hostless runs where durability across restarts is not required.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory offset store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: map[string]map[string]string{},
	}
}

func (s *MemoryStore) Read(ctx context.Context, partition map[string]string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset, ok := s.data[memKey(partition)]
	if !ok {
		return nil, nil
	}
	out := make(map[string]string, len(offset))
	for k, v := range offset {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Write(ctx context.Context, partition map[string]string, offset map[string]string) error {
	stored := make(map[string]string, len(offset))
	for k, v := range offset {
		stored[k] = v
	}

	s.mu.Lock()
	s.data[memKey(partition)] = stored
	s.mu.Unlock()
	return nil
}

// Len returns the number of partitions holding a committed offset
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func memKey(partition map[string]string) string {
	keys := make([]string, 0, len(partition))
	for k := range partition {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(partition[k])
	}
	return b.String()
}
