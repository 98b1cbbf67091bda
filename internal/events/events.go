// Package events defines the append-only event record shared by the
// dispatcher and agent, and a simple writer that persists them as
// newline-delimited records (spec.md section 3, Event; section 6,
// "Persistent state").
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Kind identifies the category of an Event, per spec.md section 3.
type Kind string

const (
	KindPoke    Kind = "poke"
	KindReward  Kind = "reward"
	KindSound   Kind = "sound"
	KindAlive   Kind = "alive"
	KindHello   Kind = "hello"
	KindGoodbye Kind = "goodbye"
)

// Event is one append-only record. Port and Trial are optional
// (pointers) because hello/goodbye/alive carry neither.
type Event struct {
	Kind      Kind              `json:"kind"`
	Agent     string            `json:"agent"`
	Port      string            `json:"port,omitempty"`
	Trial     *int              `json:"trial,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Log is an append-only, concurrency-safe sink for Events. It backs the
// dispatcher's session record: one JSON object per line, flushed on
// every write so a crash loses at most the in-flight record.
type Log struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenLog creates (or truncates) the log file at path.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: open log: %w", err)
	}
	return &Log{file: f, enc: json.NewEncoder(f)}, nil
}

// Append writes ev to the log.
func (l *Log) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(ev); err != nil {
		return fmt.Errorf("events: append: %w", err)
	}
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
