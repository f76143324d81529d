package audit

import (
	"context"
	"sync"

	"github.com/rvguard/rvguard/pkg/types"
)

// MemorySink is a bounded evict-oldest in-memory audit log.
type MemorySink struct {
	mu      sync.Mutex
	entries []types.AuditEntry
	limit   int
}

// NewMemorySink creates a memory sink holding at most limit entries.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return &MemorySink{limit: limit}
}

// Name returns the sink identifier.
func (s *MemorySink) Name() string { return "memory" }

// Append adds an entry, evicting the oldest when over the limit.
func (s *MemorySink) Append(_ context.Context, entry types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.limit {
		s.entries = s.entries[len(s.entries)-s.limit:]
	}
	return nil
}

// Flush is a no-op for the memory sink.
func (s *MemorySink) Flush(_ context.Context) error { return nil }

// Recent returns up to n most recent entries, newest last.
func (s *MemorySink) Recent(n int) []types.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]types.AuditEntry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// Len returns the number of held entries.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
