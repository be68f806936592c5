// Package events is the append-only journal of service lifecycle and sync
// activity, stored as one JSON object per line.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nodepassproject/npctl/internal/appconfig"
)

// Event types written by the service manager.
const (
	ServiceCreated   = "service_created"
	ServiceUpdated   = "service_updated"
	ServiceDeleted   = "service_deleted"
	ServiceControl   = "service_control"
	SyncCompleted    = "sync_completed"
	SyncServerFailed = "sync_server_failed"
)

// Event is one record persisted to events.jsonl.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	ServiceID string    `json:"service_id,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Count     int       `json:"count,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	ServiceID string
	ServerID  string
	EventType string
	Since     time.Time
	Limit     int
}

// Store provides append/read access to the local event journal.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a journal at path, or at events.jsonl in the config
// directory when path is empty.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) filePath() (string, error) {
	if s.path != "" {
		return s.path, nil
	}
	return appconfig.EventsFilePath()
}

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	path, err := s.filePath()
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// Read returns events in append order, filtered by query. With a limit only
// the newest matching events are kept.
func (s *Store) Read(q Query) ([]Event, error) {
	path, err := s.filePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if v := strings.TrimSpace(q.ServiceID); v != "" && evt.ServiceID != v {
		return false
	}
	if v := strings.TrimSpace(q.ServerID); v != "" && evt.ServerID != v {
		return false
	}
	if v := strings.TrimSpace(q.EventType); v != "" && evt.EventType != v {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
