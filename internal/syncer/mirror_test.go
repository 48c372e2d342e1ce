package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khan/jib/internal/config"
)

// fakeSource serves scripted spaces and pages.
type fakeSource struct {
	spaces map[string]string
	pages  map[string][]Page // spaceID -> pages
}

func (f *fakeSource) Spaces(ctx context.Context, keys []string) (map[string]string, error) {
	out := map[string]string{}
	for _, k := range keys {
		if id, ok := f.spaces[k]; ok {
			out[k] = id
		}
	}
	return out, nil
}

func (f *fakeSource) Pages(ctx context.Context, spaceID string) ([]Page, error) {
	return f.pages[spaceID], nil
}

func page(id, title, body string, version int) Page {
	return Page{
		ID: id, Title: title, Body: body, Version: version,
		Updated: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		WebURL:  "https://example.atlassian.net/wiki/x/" + id,
	}
}

// TestSync_AddChangeRemove walks a mirror through the three transitions
// and checks the summary matches the filesystem.
func TestSync_AddChangeRemove(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{
		spaces: map[string]string{"ENG": "s1"},
		pages: map[string][]Page{
			"s1": {page("100", "Deploy Guide", "<p>step one</p>", 1), page("101", "Oncall Runbook", "<p>page me</p>", 1)},
		},
	}
	filters := &config.ContextFilters{ConfluenceSpaces: []string{"ENG"}}
	m := NewMirror(src, filters, dir)
	ctx := context.Background()

	sum, err := m.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Added) != 2 || len(sum.Changed) != 0 || len(sum.Removed) != 0 {
		t.Fatalf("first pass summary = %+v", sum)
	}

	deployPath := filepath.Join(dir, "ENG", "deploy-guide-100.md")
	data, err := os.ReadFile(deployPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`title: "Deploy Guide"`, "page_id: 100", "version: 1", "<p>step one</p>"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("missing %q in rendered page", want)
		}
	}

	// Unchanged content syncs clean.
	sum, err = m.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Empty() {
		t.Errorf("idempotent pass summary = %+v", sum)
	}

	// One page edited, one deleted upstream.
	src.pages["s1"] = []Page{page("100", "Deploy Guide", "<p>step one, revised</p>", 2)}
	sum, err = m.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Changed) != 1 || len(sum.Removed) != 1 {
		t.Fatalf("third pass summary = %+v", sum)
	}
	if _, err := os.Stat(filepath.Join(dir, "ENG", "oncall-runbook-101.md")); !os.IsNotExist(err) {
		t.Error("deleted page still mirrored")
	}
}

// TestSync_StablePathAcrossRename verifies a retitled page keeps its id in
// the file name and the old slug's file goes away.
func TestSync_StablePathAcrossRename(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{
		spaces: map[string]string{"ENG": "s1"},
		pages:  map[string][]Page{"s1": {page("100", "Deploy Guide", "<p>x</p>", 1)}},
	}
	filters := &config.ContextFilters{ConfluenceSpaces: []string{"ENG"}}
	m := NewMirror(src, filters, dir)
	ctx := context.Background()

	if _, err := m.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	src.pages["s1"] = []Page{page("100", "Deployment Handbook", "<p>x</p>", 2)}
	if _, err := m.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "ENG", "deployment-handbook-100.md")); err != nil {
		t.Errorf("renamed page missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ENG", "deploy-guide-100.md")); !os.IsNotExist(err) {
		t.Error("stale slug file not removed")
	}
}

// TestSync_Filters verifies the allow-list and title exclusions hold.
func TestSync_Filters(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{
		spaces: map[string]string{"ENG": "s1", "HR": "s2"},
		pages: map[string][]Page{
			"s1": {page("100", "Deploy Guide", "<p>x</p>", 1), page("101", "Meeting Notes Template", "<p>t</p>", 1)},
			"s2": {page("200", "Salaries", "<p>secret</p>", 1)},
		},
	}
	filters := &config.ContextFilters{
		ConfluenceSpaces: []string{"ENG"},
		ExcludeTitles:    []string{"Meeting Notes Template"},
	}
	m := NewMirror(src, filters, dir)

	sum, err := m.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Added) != 1 {
		t.Fatalf("added = %v", sum.Added)
	}
	if _, err := os.Stat(filepath.Join(dir, "HR")); !os.IsNotExist(err) {
		t.Error("non-allow-listed space mirrored")
	}
	if _, err := os.Stat(filepath.Join(dir, "ENG", "meeting-notes-template-101.md")); !os.IsNotExist(err) {
		t.Error("excluded title mirrored")
	}
}

// TestSync_NoFiltersNoOp verifies an empty allow-list mirrors nothing.
func TestSync_NoFiltersNoOp(t *testing.T) {
	dir := t.TempDir()
	m := NewMirror(&fakeSource{}, &config.ContextFilters{}, dir)
	sum, err := m.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Empty() {
		t.Errorf("summary = %+v", sum)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("mirror dir not empty: %v", entries)
	}
}
