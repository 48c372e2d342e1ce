// Package staging moves agent-authored change bundles across the trust
// boundary. The sandbox side writes a drop under staged-changes/<slug>/;
// the applier on the trusted host reviews it, applies it to the target
// repository, and archives the drop. The agent never touches the real
// checkout.
package staging

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Drop is one staged change bundle.
type Drop struct {
	Slug     string
	Dir      string
	Meta     Meta
	HasPatch bool
	// Files are raw fallback files, repository-relative.
	Files []string
}

// Meta is the parsed CHANGES.md.
type Meta struct {
	Title    string
	Overview string
	// RepoHint is the target repository named in CHANGES.md, if any.
	RepoHint string
	// Affected lists the files CHANGES.md claims to touch.
	Affected []string
}

const (
	changesFile = "CHANGES.md"
	patchFile   = "changes.patch"
	archiveDir  = "applied"
)

// ScanDrops lists the pending drops under dropZone, skipping the archive.
func ScanDrops(dropZone string) ([]Drop, error) {
	entries, err := os.ReadDir(dropZone)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var drops []Drop
	for _, e := range entries {
		if !e.IsDir() || e.Name() == archiveDir {
			continue
		}
		d, err := LoadDrop(filepath.Join(dropZone, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("load drop %s: %w", e.Name(), err)
		}
		drops = append(drops, d)
	}
	sort.Slice(drops, func(i, j int) bool { return drops[i].Slug < drops[j].Slug })
	return drops, nil
}

// LoadDrop reads one bundle directory.
func LoadDrop(dir string) (Drop, error) {
	d := Drop{Slug: filepath.Base(dir), Dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, changesFile))
	if err != nil {
		return d, fmt.Errorf("drop has no %s: %w", changesFile, err)
	}
	d.Meta = ParseChanges(string(data))

	if _, err := os.Stat(filepath.Join(dir, patchFile)); err == nil {
		d.HasPatch = true
	}

	err = filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if rel == changesFile || rel == patchFile {
			return nil
		}
		d.Files = append(d.Files, rel)
		return nil
	})
	return d, err
}

var repoHintRe = regexp.MustCompile(`(?m)(?:[Rr]epo(?:sitory)?|[Tt]arget):?\s+` + "`?" + `([~/\w][\w~/.-]*)` + "`?")

// ParseChanges extracts the title, overview, repo hint, and affected
// files from a CHANGES.md body. The format is informal markdown; parsing
// is best-effort and every field may be empty.
func ParseChanges(body string) Meta {
	var m Meta
	var overview []string
	inAffected := false

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case m.Title == "" && strings.HasPrefix(trimmed, "# "):
			m.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			continue
		case strings.HasPrefix(trimmed, "#"):
			heading := strings.ToLower(strings.TrimLeft(trimmed, "# "))
			inAffected = strings.Contains(heading, "affected") || strings.Contains(heading, "files")
			continue
		}

		if inAffected {
			if f, ok := strings.CutPrefix(trimmed, "- "); ok {
				m.Affected = append(m.Affected, strings.Trim(f, "`"))
			}
			continue
		}
		if m.Title != "" && trimmed != "" {
			overview = append(overview, trimmed)
		}
	}

	if match := repoHintRe.FindStringSubmatch(body); match != nil {
		m.RepoHint = match[1]
	}
	m.Overview = strings.Join(overview, "\n")
	return m
}

// DetectRepo resolves the drop's target repository to an absolute path.
// The override wins; otherwise the CHANGES.md hint, with ~ expanded.
func DetectRepo(d Drop, override, home string) (string, error) {
	hint := override
	if hint == "" {
		hint = d.Meta.RepoHint
	}
	if hint == "" {
		return "", fmt.Errorf("drop %s names no target repository; pass one explicitly", d.Slug)
	}
	if rest, ok := strings.CutPrefix(hint, "~/"); ok {
		hint = filepath.Join(home, rest)
	}
	info, err := os.Stat(hint)
	if err != nil {
		return "", fmt.Errorf("target repository %s: %w", hint, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("target repository %s is not a directory", hint)
	}
	return hint, nil
}
