package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/khan/jib/internal/gitexec"
)

const sampleChanges = `# Fix slack notifier retries

The notifier gave up after one failed send. This adds bounded retries
with jitter.

Repository: ~/khan/james-in-a-box

## Affected files

- scripts/slack-notifier.py
`

// TestParseChanges covers title, overview, repo hint, and file list.
func TestParseChanges(t *testing.T) {
	m := ParseChanges(sampleChanges)
	if m.Title != "Fix slack notifier retries" {
		t.Errorf("title = %q", m.Title)
	}
	if !strings.Contains(m.Overview, "bounded retries") {
		t.Errorf("overview = %q", m.Overview)
	}
	if m.RepoHint != "~/khan/james-in-a-box" {
		t.Errorf("repo hint = %q", m.RepoHint)
	}
	if len(m.Affected) != 1 || m.Affected[0] != "scripts/slack-notifier.py" {
		t.Errorf("affected = %v", m.Affected)
	}
}

func writeDrop(t *testing.T, zone, slug string, withPatch bool, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(zone, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "CHANGES.md"), []byte(sampleChanges), 0o644)
	if withPatch {
		os.WriteFile(filepath.Join(dir, "changes.patch"), []byte("--- a/scripts/slack-notifier.py\n+++ b/scripts/slack-notifier.py\n"), 0o644)
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		os.MkdirAll(filepath.Dir(path), 0o755)
		os.WriteFile(path, []byte(content), 0o644)
	}
	return dir
}

func testApplier(t *testing.T, runner gitexec.Runner, accept bool) (*Applier, string, string) {
	t.Helper()
	home := t.TempDir()
	repo := filepath.Join(home, "khan", "james-in-a-box")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}
	zone := t.TempDir()
	confirm := func(Drop, string) (bool, error) { return accept, nil }
	return NewApplier(runner, zone, home, confirm, nil), zone, repo
}

// TestApply_PatchPath walks scenario: check passes, patch applies, human
// accepts, commit carries the title and co-author footer, drop archives.
func TestApply_PatchPath(t *testing.T) {
	runner := gitexec.NewFakeRunner()
	runner.Stub("diff", gitexec.Result{Stdout: "diff --git a/scripts/slack-notifier.py ...\n"})
	runner.Stub("rev-parse --short HEAD", gitexec.Result{Stdout: "abc1234\n"})
	a, zone, repo := testApplier(t, runner, true)
	writeDrop(t, zone, "slack-notifier-fix", true, nil)

	res, err := a.Apply(context.Background(), "slack-notifier-fix", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCommitted || res.Mode != "patch" || res.Commit != "abc1234" {
		t.Fatalf("result = %+v", res)
	}

	checks := runner.CallsMatching("apply --check")
	applies := runner.CallsMatching("apply " + filepath.Join(zone, "slack-notifier-fix", "changes.patch"))
	if len(checks) != 1 || len(applies) != 1 {
		t.Errorf("checks = %d, applies = %d", len(checks), len(applies))
	}
	for _, c := range runner.Calls {
		if c.Dir != repo {
			t.Errorf("git ran in %s, want %s", c.Dir, repo)
		}
	}

	commits := runner.CallsMatching("commit")
	if len(commits) != 1 {
		t.Fatalf("commits = %d", len(commits))
	}
	msg := commits[0].Argv[2]
	if !strings.HasPrefix(msg, "Fix slack notifier retries") || !strings.Contains(msg, CoAuthorFooter) {
		t.Errorf("commit message = %q", msg)
	}

	if _, err := os.Stat(filepath.Join(zone, "slack-notifier-fix")); !os.IsNotExist(err) {
		t.Error("applied drop not archived")
	}
}

// TestApply_ArchivedIsNoop verifies re-running after archive creates no
// new commit.
func TestApply_ArchivedIsNoop(t *testing.T) {
	runner := gitexec.NewFakeRunner()
	runner.Stub("rev-parse --short HEAD", gitexec.Result{Stdout: "abc1234\n"})
	a, zone, _ := testApplier(t, runner, true)
	writeDrop(t, zone, "slack-notifier-fix", true, nil)

	if _, err := a.Apply(context.Background(), "slack-notifier-fix", ""); err != nil {
		t.Fatal(err)
	}
	before := len(runner.CallsMatching("commit"))

	res, err := a.Apply(context.Background(), "slack-notifier-fix", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNoop {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if after := len(runner.CallsMatching("commit")); after != before {
		t.Errorf("re-apply created a commit")
	}
}

// TestApply_FilecopyFallback verifies the fallback runs only when the
// patch applies nowhere, and never mixes with the patch form.
func TestApply_FilecopyFallback(t *testing.T) {
	runner := gitexec.NewFakeRunner()
	runner.Stub("apply --check", gitexec.Result{ExitCode: 1, Stderr: "error: patch does not apply"})
	runner.Stub("rev-parse --short HEAD", gitexec.Result{Stdout: "def5678\n"})
	a, zone, repo := testApplier(t, runner, true)
	writeDrop(t, zone, "slack-notifier-fix", true, map[string]string{
		"scripts/slack-notifier.py": "print('retry')\n",
	})

	res, err := a.Apply(context.Background(), "slack-notifier-fix", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != "filecopy" || res.Outcome != OutcomeCommitted {
		t.Fatalf("result = %+v", res)
	}

	data, err := os.ReadFile(filepath.Join(repo, "scripts", "slack-notifier.py"))
	if err != nil || string(data) != "print('retry')\n" {
		t.Errorf("copied file = %q, %v", data, err)
	}
	// No real patch application happened after the failed check.
	if n := len(runner.CallsMatching("apply " + filepath.Join(zone, "slack-notifier-fix", "changes.patch"))); n != 0 {
		t.Errorf("patch applied %d times alongside file copy", n)
	}
}

// TestApply_ConflictWithoutFallback verifies a failing patch with no raw
// files reports a conflict.
func TestApply_ConflictWithoutFallback(t *testing.T) {
	runner := gitexec.NewFakeRunner()
	runner.Stub("apply --check", gitexec.Result{ExitCode: 1, Stderr: "error: patch does not apply"})
	a, zone, _ := testApplier(t, runner, true)
	writeDrop(t, zone, "slack-notifier-fix", true, nil)

	res, err := a.Apply(context.Background(), "slack-notifier-fix", "")
	if err == nil {
		t.Fatal("want error")
	}
	if res.Outcome != OutcomeConflict {
		t.Errorf("outcome = %s", res.Outcome)
	}
}

// TestApply_DeclineLeavesDrop verifies a declined diff rolls back and
// leaves the drop pending.
func TestApply_DeclineLeavesDrop(t *testing.T) {
	runner := gitexec.NewFakeRunner()
	a, zone, _ := testApplier(t, runner, false)
	writeDrop(t, zone, "slack-notifier-fix", true, nil)

	res, err := a.Apply(context.Background(), "slack-notifier-fix", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if len(runner.CallsMatching("commit")) != 0 {
		t.Error("declined apply committed")
	}
	if len(runner.CallsMatching("checkout -- .")) != 1 {
		t.Error("working tree not rolled back")
	}
	if _, err := os.Stat(filepath.Join(zone, "slack-notifier-fix")); err != nil {
		t.Error("declined drop was moved")
	}
}

// TestDetectRepo covers override precedence and missing hints.
func TestDetectRepo(t *testing.T) {
	home := t.TempDir()
	os.MkdirAll(filepath.Join(home, "khan", "james-in-a-box"), 0o755)
	other := t.TempDir()

	d := Drop{Slug: "x", Meta: Meta{RepoHint: "~/khan/james-in-a-box"}}
	got, err := DetectRepo(d, "", home)
	if err != nil || got != filepath.Join(home, "khan", "james-in-a-box") {
		t.Errorf("hint detect = %q, %v", got, err)
	}

	got, err = DetectRepo(d, other, home)
	if err != nil || got != other {
		t.Errorf("override = %q, %v", got, err)
	}

	if _, err := DetectRepo(Drop{Slug: "y"}, "", home); err == nil {
		t.Error("missing hint accepted")
	}
}
