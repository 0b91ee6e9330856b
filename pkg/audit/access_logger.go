// Package audit keeps a bounded trail of position access events.
package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/locator/pkg/logx"
)

// AccessType is the kind of operation performed on a position
type AccessType string

const (
	AccessRead   AccessType = "read"
	AccessWrite  AccessType = "write"
	AccessDelete AccessType = "delete"
	AccessShare  AccessType = "share"
)

// Result is the outcome of an access
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Entry is one audit record
type Entry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       AccessType             `json:"type"`
	Accessor   string                 `json:"accessor"`
	PositionID string                 `json:"positionId,omitempty"`
	Result     Result                 `json:"result"`
	Duration   time.Duration          `json:"duration"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Filter selects entries; zero fields match everything
type Filter struct {
	Since    time.Time
	Until    time.Time
	Type     AccessType
	Result   Result
	Accessor string
	Limit    int
}

func (f Filter) matches(e *Entry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.Accessor != "" && e.Accessor != f.Accessor {
		return false
	}
	return true
}

// Stats summarizes the retained entries
type Stats struct {
	Total    int                `json:"total"`
	Failures int                `json:"failures"`
	ByType   map[AccessType]int `json:"byType"`
	Dropped  int64              `json:"dropped"`
}

// AccessLogger is a fixed-capacity ring of audit entries with an optional CSV mirror
type AccessLogger struct {
	logger  *logx.Logger
	mu      sync.RWMutex
	ring    []*Entry
	next    int
	count   int
	dropped int64
	csvPath string
	now     func() time.Time
}

// NewAccessLogger creates a logger retaining up to capacity entries.
// When dir is set each entry is also appended to dir/access_audit.csv.
func NewAccessLogger(logger *logx.Logger, capacity int, dir string) *AccessLogger {
	if capacity <= 0 {
		capacity = 1000
	}

	al := &AccessLogger{
		logger: logger,
		ring:   make([]*Entry, capacity),
		now:    time.Now,
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create audit directory", "error", err, "path", dir)
		} else {
			al.csvPath = filepath.Join(dir, "access_audit.csv")
		}
	}
	return al
}

// Log appends an entry, filling ID and Timestamp when empty. The oldest entry
// is overwritten once the ring is full. Mirror failures are logged only.
func (al *AccessLogger) Log(e Entry) *Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = al.now()
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}
	stored := &e

	al.mu.Lock()
	if al.count == len(al.ring) {
		al.dropped++
	} else {
		al.count++
	}
	al.ring[al.next] = stored
	al.next = (al.next + 1) % len(al.ring)
	csvPath := al.csvPath
	al.mu.Unlock()

	if csvPath != "" {
		if err := appendCSV(csvPath, stored); err != nil {
			al.logger.Warn("failed to mirror audit entry", "error", err, "id", stored.ID)
		}
	}

	al.logger.Debug("access recorded",
		"id", stored.ID,
		"type", string(stored.Type),
		"accessor", stored.Accessor,
		"result", string(stored.Result),
	)
	return stored
}

// Query returns matching entries, newest first
func (al *AccessLogger) Query(f Filter) []*Entry {
	al.mu.RLock()
	defer al.mu.RUnlock()

	out := make([]*Entry, 0)
	for i := 0; i < al.count; i++ {
		idx := (al.next - 1 - i + len(al.ring)) % len(al.ring)
		e := al.ring[idx]
		if !f.matches(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stats counts retained entries
func (al *AccessLogger) Stats() Stats {
	al.mu.RLock()
	defer al.mu.RUnlock()

	s := Stats{ByType: make(map[AccessType]int), Dropped: al.dropped}
	for i := 0; i < al.count; i++ {
		e := al.ring[i]
		s.Total++
		s.ByType[e.Type]++
		if e.Result == ResultFailure {
			s.Failures++
		}
	}
	return s
}

// Len returns the number of retained entries
func (al *AccessLogger) Len() int {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.count
}

// Clear drops all retained entries
func (al *AccessLogger) Clear() {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.ring = make([]*Entry, len(al.ring))
	al.next, al.count, al.dropped = 0, 0, 0
}

func appendCSV(path string, e *Entry) error {
	_, statErr := os.Stat(path)
	newFile := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if newFile {
		if err := w.Write([]string{"ID", "Timestamp", "Type", "Accessor", "PositionID", "Result", "Duration", "Metadata"}); err != nil {
			return err
		}
	}

	meta := ""
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err == nil {
			meta = string(b)
		}
	}
	if err := w.Write([]string{
		e.ID,
		e.Timestamp.Format(time.RFC3339Nano),
		string(e.Type),
		e.Accessor,
		e.PositionID,
		string(e.Result),
		e.Duration.String(),
		meta,
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
