package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/khan/jib/internal/gitexec"
)

// CoAuthorFooter is appended to every commit the applier creates, so the
// history shows which commits came through the staging pipeline.
const CoAuthorFooter = "Co-authored-by: jib agent <jib-agent@users.noreply.github.com>"

// Confirm asks the human to accept the shown diff. The CLI wires an
// interactive prompt; tests script the answer.
type Confirm func(drop Drop, diff string) (bool, error)

// Outcome of one apply attempt.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeSkipped   Outcome = "skipped"  // human declined, drop left in place
	OutcomeNoop      Outcome = "noop"     // already archived
	OutcomeConflict  Outcome = "conflict" // neither form applied
)

// Result of applying one drop.
type Result struct {
	Slug    string
	Outcome Outcome
	Mode    string // "patch" or "filecopy"
	Commit  string
}

// Applier applies staged drops to real checkouts.
type Applier struct {
	runner   gitexec.Runner
	dropZone string
	home     string
	confirm  Confirm
	out      io.Writer
	now      func() time.Time
}

// NewApplier wires the staging applier.
func NewApplier(runner gitexec.Runner, dropZone, home string, confirm Confirm, out io.Writer) *Applier {
	if out == nil {
		out = io.Discard
	}
	return &Applier{
		runner:   runner,
		dropZone: dropZone,
		home:     home,
		confirm:  confirm,
		out:      out,
		now:      time.Now,
	}
}

// Apply processes one drop by slug. Re-applying an archived drop is a
// no-op.
func (a *Applier) Apply(ctx context.Context, slug, repoOverride string) (Result, error) {
	res := Result{Slug: slug}

	dropDir := filepath.Join(a.dropZone, slug)
	if _, err := os.Stat(dropDir); os.IsNotExist(err) {
		if a.archived(slug) {
			res.Outcome = OutcomeNoop
			fmt.Fprintf(a.out, "%s: already applied, nothing to do\n", slug)
			return res, nil
		}
		return res, fmt.Errorf("no staged drop named %s", slug)
	}

	drop, err := LoadDrop(dropDir)
	if err != nil {
		return res, err
	}
	repo, err := DetectRepo(drop, repoOverride, a.home)
	if err != nil {
		return res, err
	}
	fmt.Fprintf(a.out, "%s: %s\n  target %s\n", slug, drop.Meta.Title, repo)

	// Patch strictly preferred; the file-copy fallback runs only when the
	// patch applies nowhere. The two forms never mix in one apply.
	mode := "patch"
	if drop.HasPatch {
		check, err := a.runner.Run(ctx, repo, "apply", "--check", filepath.Join(drop.Dir, patchFile))
		if err != nil {
			return res, err
		}
		if check.ExitCode == 0 {
			applied, err := a.runner.Run(ctx, repo, "apply", filepath.Join(drop.Dir, patchFile))
			if err != nil {
				return res, err
			}
			if applied.ExitCode != 0 {
				res.Outcome = OutcomeConflict
				return res, fmt.Errorf("patch check passed but apply failed: %s", strings.TrimSpace(applied.Stderr))
			}
		} else if len(drop.Files) > 0 {
			slog.Warn("patch does not apply, falling back to file copy", "slug", slug, "stderr", strings.TrimSpace(check.Stderr))
			mode = "filecopy"
		} else {
			res.Outcome = OutcomeConflict
			return res, fmt.Errorf("patch does not apply to %s: %s", repo, strings.TrimSpace(check.Stderr))
		}
	} else if len(drop.Files) > 0 {
		mode = "filecopy"
	} else {
		return res, fmt.Errorf("drop %s carries neither a patch nor files", slug)
	}

	if mode == "filecopy" {
		if err := a.copyFiles(drop, repo); err != nil {
			return res, err
		}
	}
	res.Mode = mode

	diff, err := a.runner.Run(ctx, repo, "diff")
	if err != nil {
		return res, err
	}
	status, err := a.runner.Run(ctx, repo, "status", "--short")
	if err != nil {
		return res, err
	}
	fmt.Fprintf(a.out, "%s%s", diff.Stdout, status.Stdout)

	ok, err := a.confirm(drop, diff.Stdout)
	if err != nil {
		return res, err
	}
	if !ok {
		// Roll the working tree back; the drop stays for a later attempt.
		a.runner.Run(ctx, repo, "checkout", "--", ".")
		a.runner.Run(ctx, repo, "clean", "-fd")
		res.Outcome = OutcomeSkipped
		fmt.Fprintf(a.out, "%s: skipped, drop left in place\n", slug)
		return res, nil
	}

	if _, err := a.runner.Run(ctx, repo, "add", "-A"); err != nil {
		return res, err
	}
	message := commitMessage(drop.Meta)
	commit, err := a.runner.Run(ctx, repo, "commit", "-m", message)
	if err != nil {
		return res, err
	}
	if commit.ExitCode != 0 {
		return res, fmt.Errorf("commit failed: %s", strings.TrimSpace(commit.Stderr))
	}
	head, _ := a.runner.Run(ctx, repo, "rev-parse", "--short", "HEAD")
	res.Commit = strings.TrimSpace(head.Stdout)

	if err := a.archive(drop); err != nil {
		return res, err
	}
	res.Outcome = OutcomeCommitted
	fmt.Fprintf(a.out, "%s: committed %s (%s)\n", slug, res.Commit, mode)
	return res, nil
}

// ApplyAll processes every pending drop in slug order.
func (a *Applier) ApplyAll(ctx context.Context, repoOverride string) ([]Result, error) {
	drops, err := ScanDrops(a.dropZone)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, d := range drops {
		res, err := a.Apply(ctx, d.Slug, repoOverride)
		if err != nil {
			slog.Error("apply failed", "slug", d.Slug, "error", err)
			res.Slug = d.Slug
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *Applier) copyFiles(drop Drop, repo string) error {
	for _, rel := range drop.Files {
		src := filepath.Join(drop.Dir, rel)
		dst := filepath.Join(repo, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) archive(drop Drop) error {
	dst := filepath.Join(a.dropZone, archiveDir, a.now().Format("20060102-150405")+"-"+drop.Slug)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(drop.Dir, dst)
}

// archived reports whether any archive entry ends in the slug.
func (a *Applier) archived(slug string) bool {
	entries, err := os.ReadDir(filepath.Join(a.dropZone, archiveDir))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "-"+slug) {
			return true
		}
	}
	return false
}

func commitMessage(m Meta) string {
	title := m.Title
	if title == "" {
		title = "Apply staged changes"
	}
	var b strings.Builder
	b.WriteString(title)
	if m.Overview != "" {
		b.WriteString("\n\n")
		b.WriteString(m.Overview)
	}
	b.WriteString("\n\n")
	b.WriteString(CoAuthorFooter)
	return b.String()
}
