package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RequestLog is the append-only audit trail of everything the gateway did
// on a container's behalf. One JSON object per line; secrets never appear.
type RequestLog struct {
	mu sync.Mutex
	f  *os.File
}

// LogEntry is one audited operation.
type LogEntry struct {
	Time        time.Time `json:"time"`
	RequestID   string    `json:"request_id"`
	ContainerID string    `json:"container_id,omitempty"`
	Op          string    `json:"op"`
	Repo        string    `json:"repo,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Outcome     string    `json:"outcome"` // ok, denied, failed
	ErrorKind   string    `json:"error_kind,omitempty"`
	Duration    int64     `json:"duration_ms"`
}

// OpenRequestLog opens (appending) the audit log at path.
func OpenRequestLog(path string) (*RequestLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	return &RequestLog{f: f}, nil
}

// Record appends one entry. Write failures are swallowed: auditing must
// not take the data path down.
func (l *RequestLog) Record(e LogEntry) {
	if l == nil || l.f == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.f.Write(append(line, '\n'))
}

func (l *RequestLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Close()
}
