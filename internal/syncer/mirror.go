package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/khan/jib/internal/config"
)

// Summary is the outcome of one sync pass, handed to the dispatcher so a
// post-sync analyzer can react to what changed.
type Summary struct {
	Added   []string
	Changed []string
	Removed []string
	At      time.Time
}

// Empty reports whether the pass observed no changes.
func (s Summary) Empty() bool {
	return len(s.Added) == 0 && len(s.Changed) == 0 && len(s.Removed) == 0
}

// String renders the summary for notifications and analyzer input.
func (s Summary) String() string {
	return fmt.Sprintf("sync: %d added, %d changed, %d removed", len(s.Added), len(s.Changed), len(s.Removed))
}

// Mirror maintains the local documentation tree. Each page lives at a
// stable path derived from space key and page id, so references from
// earlier runs stay valid across renames. Pages gone upstream are
// removed locally.
type Mirror struct {
	source  Source
	filters *config.ContextFilters
	dir     string
}

// NewMirror builds a mirror rooted at dir.
func NewMirror(source Source, filters *config.ContextFilters, dir string) *Mirror {
	return &Mirror{source: source, filters: filters, dir: dir}
}

// Sync runs one full pass over the allow-listed spaces.
func (m *Mirror) Sync(ctx context.Context) (Summary, error) {
	summary := Summary{At: time.Now()}
	if len(m.filters.ConfluenceSpaces) == 0 {
		slog.Info("sync skipped: no spaces allow-listed")
		return summary, nil
	}

	spaces, err := m.source.Spaces(ctx, m.filters.ConfluenceSpaces)
	if err != nil {
		return summary, fmt.Errorf("resolve spaces: %w", err)
	}

	for _, key := range m.filters.ConfluenceSpaces {
		spaceID, ok := spaces[key]
		if !ok {
			slog.Warn("allow-listed space not found", "space", key)
			continue
		}
		if err := m.syncSpace(ctx, key, spaceID, &summary); err != nil {
			return summary, fmt.Errorf("sync space %s: %w", key, err)
		}
	}

	slog.Info("sync complete",
		"added", len(summary.Added), "changed", len(summary.Changed), "removed", len(summary.Removed))
	return summary, nil
}

func (m *Mirror) syncSpace(ctx context.Context, key, spaceID string, summary *Summary) error {
	pages, err := m.source.Pages(ctx, spaceID)
	if err != nil {
		return err
	}

	spaceDir := filepath.Join(m.dir, key)
	if err := os.MkdirAll(spaceDir, 0o755); err != nil {
		return err
	}

	current := make(map[string]bool, len(pages))
	for _, p := range pages {
		if m.filters.TitleExcluded(p.Title) {
			continue
		}
		name := pageFileName(p)
		current[name] = true
		path := filepath.Join(spaceDir, name)

		rendered := renderPage(key, p)
		old, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			summary.Added = append(summary.Added, filepath.Join(key, name))
		case err != nil:
			return err
		case string(old) == rendered:
			continue
		default:
			summary.Changed = append(summary.Changed, filepath.Join(key, name))
		}
		if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
			return err
		}
	}

	// Mirror deletions: local files with no upstream page go away.
	entries, err := os.ReadDir(spaceDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") || current[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(spaceDir, e.Name())); err != nil {
			return err
		}
		summary.Removed = append(summary.Removed, filepath.Join(key, e.Name()))
	}
	return nil
}

// pageFileName derives the stable per-page path: slug for readability,
// page id for stability under renames.
func pageFileName(p Page) string {
	return fmt.Sprintf("%s-%s.md", slug(p.Title), p.ID)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(title string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 60 {
		s = s[:60]
	}
	if s == "" {
		s = "page"
	}
	return s
}

// renderPage writes the metadata header plus the page body. The body is
// kept in source storage format; analyzers strip markup themselves.
func renderPage(spaceKey string, p Page) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", p.Title)
	fmt.Fprintf(&b, "space: %s\n", spaceKey)
	fmt.Fprintf(&b, "page_id: %s\n", p.ID)
	fmt.Fprintf(&b, "version: %d\n", p.Version)
	fmt.Fprintf(&b, "updated: %s\n", p.Updated.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "url: %s\n", p.WebURL)
	b.WriteString("---\n\n")
	b.WriteString(p.Body)
	if !strings.HasSuffix(p.Body, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}
