package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Origin of a container run.
type Origin string

const (
	OriginTimer   Origin = "timer"
	OriginChat    Origin = "chat"
	OriginPREvent Origin = "pr-event"
	OriginManual  Origin = "manual"
)

// Run is one run-correlation record. Immutable after exit.
type Run struct {
	RunID       string    `json:"run_id"`
	Origin      Origin    `json:"origin"`
	SourceRef   string    `json:"source_ref,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	ContainerID string    `json:"container_id"`
	ExitStatus  int       `json:"exit_status"`
	LogsPath    string    `json:"logs_path"`
	ContextID   string    `json:"context_id,omitempty"`
	TimedOut    bool      `json:"timed_out,omitempty"`
}

// RunLog owns the container-logs directory: per-origin log files, alias
// symlinks by context id, and the context_id → run_ids index.
type RunLog struct {
	dir string

	mu sync.Mutex
}

// NewRunLog roots the log store at dir (sharing/container-logs).
func NewRunLog(dir string) *RunLog { return &RunLog{dir: dir} }

// LogPath returns (creating parents) the log file for a run.
func (l *RunLog) LogPath(origin Origin, runID string) (string, error) {
	dir := filepath.Join(l.dir, string(origin))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, runID+".log"), nil
}

// Finish records a completed run: writes the correlation record, links
// the context alias, and updates the index.
func (l *RunLog) Finish(run Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	recDir := filepath.Join(l.dir, "runs")
	if err := os.MkdirAll(recDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(recDir, run.RunID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}

	if run.ContextID == "" {
		return nil
	}
	if err := l.linkAlias(run); err != nil {
		return err
	}
	return l.indexAdd(run.ContextID, run.RunID)
}

// linkAlias symlinks by-context/<context_id>/<run_id>.log → the raw log,
// so logs are findable by thread-<ts> or pr-<repo>-<n>.
func (l *RunLog) linkAlias(run Run) error {
	aliasDir := filepath.Join(l.dir, "by-context", sanitizeContextID(run.ContextID))
	if err := os.MkdirAll(aliasDir, 0o755); err != nil {
		return err
	}
	link := filepath.Join(aliasDir, run.RunID+".log")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	rel, err := filepath.Rel(aliasDir, run.LogsPath)
	if err != nil {
		rel = run.LogsPath
	}
	return os.Symlink(rel, link)
}

const indexFile = "index.json"

// indexAdd appends runID under contextID in the index file.
func (l *RunLog) indexAdd(contextID, runID string) error {
	idx, err := l.readIndex()
	if err != nil {
		return err
	}
	for _, id := range idx[contextID] {
		if id == runID {
			return nil
		}
	}
	idx[contextID] = append(idx[contextID], runID)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.dir, indexFile), data, 0o644)
}

// RunsFor returns the run ids recorded under a context id, in order.
func (l *RunLog) RunsFor(contextID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.readIndex()
	if err != nil {
		return nil, err
	}
	return idx[contextID], nil
}

func (l *RunLog) readIndex() (map[string][]string, error) {
	idx := make(map[string][]string)
	data, err := os.ReadFile(filepath.Join(l.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse run index: %w", err)
	}
	return idx, nil
}

// List returns all recorded runs, newest first.
func (l *RunLog) List() ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recDir := filepath.Join(l.dir, "runs")
	entries, err := os.ReadDir(recDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []Run
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(recDir, e.Name()))
		if err != nil {
			continue
		}
		var r Run
		if json.Unmarshal(data, &r) == nil {
			runs = append(runs, r)
		}
	}
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// Prune removes run records and logs older than cutoff. Returns how many
// runs were removed.
func (l *RunLog) Prune(cutoff time.Time) (int, error) {
	runs, err := l.List()
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, r := range runs {
		if r.FinishedAt.IsZero() || !r.FinishedAt.Before(cutoff) {
			continue
		}
		os.Remove(r.LogsPath)
		os.Remove(filepath.Join(l.dir, "runs", r.RunID+".json"))
		if r.ContextID != "" {
			os.Remove(filepath.Join(l.dir, "by-context", sanitizeContextID(r.ContextID), r.RunID+".log"))
		}
		removed++
	}
	return removed, nil
}

// sanitizeContextID makes a context id filesystem-safe: pr ids contain
// the repo's owner/name slash.
func sanitizeContextID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c == '/' || c == '\\' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}
