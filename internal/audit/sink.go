package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileSink appends events to a JSONL file, one document per line.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileSink creates a sink appending to path. The file is opened lazily on
// first write.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// WriteEvent implements EventWriter.
func (s *FileSink) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		s.file = file
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	_, err = s.file.Write(append(encoded, '\n'))
	return err
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
