// Package audit records backup operations as JSONL events, so operators can
// answer "what ran, when, against which repository" without parsing logs.
package audit

import (
	"sync"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventStore is an archive store run.
	EventStore EventType = "store"
	// EventExtract is an archive extraction.
	EventExtract EventType = "extract"
	// EventInit is a repository initialization.
	EventInit EventType = "init"
)

// Event is a single audit record.
type Event struct {
	Timestamp  time.Time     `json:"timestamp"`
	Type       EventType     `json:"type"`
	Repository string        `json:"repository,omitempty"`
	Archive    string        `json:"archive,omitempty"`
	Bytes      int64         `json:"bytes,omitempty"`
	Chunks     int           `json:"chunks,omitempty"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// Logger buffers events in memory and forwards them to a writer.
type Logger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// EventWriter persists audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a logger keeping at most maxEvents in memory. A nil
// writer discards events after buffering.
func NewLogger(maxEvents int, writer EventWriter) *Logger {
	return &Logger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log records an event. Writer failures are swallowed; auditing must never
// fail the backup itself.
func (l *Logger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}
	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// LogOperation is a convenience wrapper building the event inline.
func (l *Logger) LogOperation(eventType EventType, repo, archive string, bytes int64, chunks int, err error, duration time.Duration) {
	event := &Event{
		Timestamp:  time.Now(),
		Type:       eventType,
		Repository: repo,
		Archive:    archive,
		Bytes:      bytes,
		Chunks:     chunks,
		Success:    err == nil,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns the buffered events.
func (l *Logger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Event{}, l.events...)
}

// Close closes the underlying writer if it supports closing.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
