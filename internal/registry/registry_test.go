package registry

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestGetOrCreate_Idempotent verifies the core registry law: creating a
// record twice under the same context id yields the same internal id and
// a single record.
func TestGetOrCreate_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.GetOrCreate(ctx, "thread-1700000000.000100", "list open PRs", []string{"chat", "dm"})
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	b, err := s.GetOrCreate(ctx, "thread-1700000000.000100", "different title", nil)
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}

	if a.InternalID != b.InternalID {
		t.Errorf("internal ids differ: %s vs %s", a.InternalID, b.InternalID)
	}
	if b.Title != "list open PRs" {
		t.Errorf("second create overwrote title: %q", b.Title)
	}

	all, err := s.Search(ctx, "thread-1700000000.000100")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("record count = %d, want 1", len(all))
	}
}

// TestGetOrCreate_LabelsIncludeContextID verifies that every record
// carries its own context id as a label, so label search finds it.
func TestGetOrCreate_LabelsIncludeContextID(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.GetOrCreate(context.Background(), "pr-project/repo-x-42", "PR #42", []string{"github", "pr"})
	if err != nil {
		t.Fatal(err)
	}
	if !rec.HasLabel("pr-project/repo-x-42") || !rec.HasLabel("github") {
		t.Errorf("labels = %v", rec.Labels)
	}
}

// TestClosedRecordStaysWritable verifies that status=closed never blocks
// loading or appending; a reply to an old thread reopens work.
func TestClosedRecordStaysWritable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := "thread-1700000000.000200"

	if _, err := s.GetOrCreate(ctx, id, "t", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, id, StatusClosed); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendNote(ctx, id, "late reply arrived"); err != nil {
		t.Fatalf("AppendNote on closed record: %v", err)
	}
	if err := s.SetStatus(ctx, id, StatusInProgress); err != nil {
		t.Fatalf("reopen closed record: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", rec.Status)
	}
	if len(rec.Notes) != 1 {
		t.Errorf("notes = %v, want one entry", rec.Notes)
	}
}

// TestAppendNote_PreservesArrivalOrder verifies note ordering.
func TestAppendNote_PreservesArrivalOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := "thread-1700000000.000300"
	if _, err := s.GetOrCreate(ctx, id, "t", nil); err != nil {
		t.Fatal(err)
	}

	for _, n := range []string{"first", "second", "third"} {
		if err := s.AppendNote(ctx, id, n); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := s.Get(ctx, id)
	if len(rec.Notes) != 3 {
		t.Fatalf("notes = %v", rec.Notes)
	}
	for i, want := range []string{"first", "second", "third"} {
		if got := rec.Notes[i]; len(got) < len(want) || got[len(got)-len(want):] != want {
			t.Errorf("note[%d] = %q, want suffix %q", i, got, want)
		}
	}
}

// TestLink_Deduplicates verifies cross-reference dedupe between a thread
// record and its PR record.
func TestLink_Deduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := ThreadContextID("1700000000.000400")
	pr := PRContextID("project/repo-x", 42)

	if _, err := s.GetOrCreate(ctx, id, "t", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Link(ctx, id, pr); err != nil {
		t.Fatal(err)
	}
	if err := s.Link(ctx, id, pr); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get(ctx, id)
	if len(rec.Links) != 1 || rec.Links[0] != pr {
		t.Errorf("links = %v, want [%s]", rec.Links, pr)
	}
}

// TestContextIDHelpers pins the stable key formats.
func TestContextIDHelpers(t *testing.T) {
	if got := ThreadContextID("1700000000.000100"); got != "thread-1700000000.000100" {
		t.Errorf("ThreadContextID = %q", got)
	}
	if got := PRContextID("project/repo-x", 42); got != "pr-project/repo-x-42" {
		t.Errorf("PRContextID = %q", got)
	}
}

// TestGet_NotFound verifies the typed miss.
func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "thread-none"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
