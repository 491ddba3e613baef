package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OutboxEntry is one line of the outbox file.
type OutboxEntry struct {
	Time time.Time `json:"time"`
	Notification
}

// Outbox appends notifications to a JSONL file.
type Outbox struct {
	path string
	mu   sync.Mutex
}

// NewOutbox creates the parent directory of path. An existing file is
// appended to.
func NewOutbox(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}
	return &Outbox{path: path}, nil
}

func (o *Outbox) Path() string {
	return o.path
}

func (o *Outbox) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(OutboxEntry{Time: time.Now().UTC(), Notification: n})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}

// ReadAll returns every entry. A missing file yields no entries.
func (o *Outbox) ReadAll() ([]OutboxEntry, error) {
	f, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []OutboxEntry{}, nil
		}
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	var entries []OutboxEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var e OutboxEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse outbox line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	return entries, nil
}
