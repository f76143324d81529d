package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rvguard/rvguard/pkg/types"
)

// FileSink appends audit entries as JSON lines. The file handle is kept open
// and synced on Flush so the trail is durable across a crash.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileSink opens (or creates) the audit file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Name returns the sink identifier.
func (s *FileSink) Name() string { return "file" }

// Append writes the entry as a JSON line.
func (s *FileSink) Append(_ context.Context, entry types.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(append(data, '\n'))
	return err
}

// Flush fsyncs the file.
func (s *FileSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

// Close syncs and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return err
	}
	return s.f.Close()
}
