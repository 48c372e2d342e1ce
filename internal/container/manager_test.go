package container

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khan/jib/internal/config"
	"github.com/khan/jib/internal/gitexec"
	"github.com/khan/jib/internal/gitiso"
)

// fakeRuntime is a scripted container backend.
type fakeRuntime struct {
	running    []Running
	started    []CreateSpec
	execOutput string
	execExit   int
	execDelay  time.Duration
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, ref string) error { return nil }

func (f *fakeRuntime) Start(ctx context.Context, spec CreateSpec) (string, error) {
	f.started = append(f.started, spec)
	f.running = append(f.running, Running{ID: "docker-" + spec.Name, Name: spec.Name, State: "running"})
	return "docker-" + spec.Name, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, argv, env []string, stdout, stderr io.Writer) (ExecResult, error) {
	if f.execDelay > 0 {
		select {
		case <-time.After(f.execDelay):
		case <-ctx.Done():
			return ExecResult{ExitCode: -1}, ctx.Err()
		}
	}
	io.WriteString(stdout, f.execOutput)
	return ExecResult{ExitCode: f.execExit}, nil
}

func (f *fakeRuntime) ListByLabel(ctx context.Context, key, value string) ([]Running, error) {
	return f.running, nil
}

func testManager(t *testing.T) (*Manager, *fakeRuntime, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.ReposDir(), "project", "repo-x"), 0o755); err != nil {
		t.Fatal(err)
	}

	rt := &fakeRuntime{}
	wt := gitiso.NewManager(cfg.ReposDir(), cfg.WorktreesDir(), gitexec.NewFakeRunner())
	return NewManager(cfg, rt, wt, "/usr/local/bin/jib"), rt, cfg
}

// TestExecRun_NoActiveContainer verifies the typed error when nothing is
// running.
func TestExecRun_NoActiveContainer(t *testing.T) {
	m, _, _ := testManager(t)
	_, err := m.ExecRun(context.Background(), ExecSpec{Argv: []string{"true"}, Origin: OriginManual})
	if !errors.Is(err, ErrNoActiveContainer) {
		t.Errorf("err = %v, want ErrNoActiveContainer", err)
	}
}

// TestExecRun_CapturesLogsAndIndex verifies a run writes its log under the
// origin directory and lands in the context index with an alias symlink.
func TestExecRun_CapturesLogsAndIndex(t *testing.T) {
	m, rt, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.StartSession(ctx, []string{"project/repo-x"}, false); err != nil {
		t.Fatal(err)
	}
	rt.execOutput = "analyzer output\n"

	run, err := m.ExecRun(ctx, ExecSpec{
		Argv:      []string{"analyze"},
		Origin:    OriginChat,
		ContextID: "thread-1700000000.000100",
	})
	if err != nil {
		t.Fatalf("ExecRun: %v", err)
	}

	data, err := os.ReadFile(run.LogsPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "analyzer output") {
		t.Errorf("log content = %q", data)
	}
	if !strings.Contains(run.LogsPath, string(OriginChat)) {
		t.Errorf("log path %q not under origin dir", run.LogsPath)
	}

	ids, err := m.RunLog().RunsFor("thread-1700000000.000100")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != run.RunID {
		t.Errorf("index = %v, want [%s]", ids, run.RunID)
	}

	alias := filepath.Join(m.cfg.ContainerLogsDir(), "by-context", "thread-1700000000.000100", run.RunID+".log")
	if _, err := os.Lstat(alias); err != nil {
		t.Errorf("alias symlink missing: %v", err)
	}
}

// TestExecRun_FreshRunBranch verifies each exec moves the session
// worktree onto its own branch under the container namespace.
func TestExecRun_FreshRunBranch(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.ReposDir(), "project", "repo-x"), 0o755); err != nil {
		t.Fatal(err)
	}
	rt := &fakeRuntime{}
	runner := gitexec.NewFakeRunner()
	wt := gitiso.NewManager(cfg.ReposDir(), cfg.WorktreesDir(), runner)
	m := NewManager(cfg, rt, wt, "/usr/local/bin/jib")
	ctx := context.Background()

	s, err := m.StartSession(ctx, []string{"project/repo-x"}, false)
	if err != nil {
		t.Fatal(err)
	}
	run1, err := m.ExecRun(ctx, ExecSpec{Argv: []string{"analyze"}, Origin: OriginChat})
	if err != nil {
		t.Fatal(err)
	}
	run2, err := m.ExecRun(ctx, ExecSpec{Argv: []string{"analyze"}, Origin: OriginChat})
	if err != nil {
		t.Fatal(err)
	}

	checkouts := runner.CallsMatching("checkout -b")
	if len(checkouts) != 2 {
		t.Fatalf("checkout calls = %d, want one per run", len(checkouts))
	}
	want := "agent/" + s.ContainerID + "/run-" + run1.RunID
	if got := checkouts[0].Argv[2]; got != want {
		t.Errorf("first run branch = %q, want %q", got, want)
	}
	if checkouts[0].Argv[2] == checkouts[1].Argv[2] {
		t.Error("both runs used the same branch")
	}

	info, ok := wt.Lookup(s.ContainerID, "project/repo-x")
	if !ok || info.Branch != "agent/"+s.ContainerID+"/run-"+run2.RunID {
		t.Errorf("index branch = %q, want the latest run branch", info.Branch)
	}
}

// TestExecRun_WallTimeout verifies the max wall clock turns into a
// timed-out run record rather than an error.
func TestExecRun_WallTimeout(t *testing.T) {
	m, rt, cfg := testManager(t)
	ctx := context.Background()
	cfg.Container.ExecMaxWall = 20 * time.Millisecond
	rt.execDelay = 200 * time.Millisecond

	if _, err := m.StartSession(ctx, nil, false); err != nil {
		t.Fatal(err)
	}
	run, err := m.ExecRun(ctx, ExecSpec{Argv: []string{"sleep"}, Origin: OriginTimer})
	if err != nil {
		t.Fatalf("ExecRun: %v", err)
	}
	if !run.TimedOut {
		t.Error("run not marked timed out")
	}
}

// TestStartSession_EnvContract verifies no credential-shaped variable is
// in the container environment and the gateway URL is.
func TestStartSession_EnvContract(t *testing.T) {
	m, rt, cfg := testManager(t)
	s, err := m.StartSession(context.Background(), []string{"project/repo-x"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.started) != 1 {
		t.Fatalf("started = %d containers", len(rt.started))
	}
	env := rt.started[0].Plan.Env
	var sawGateway bool
	for _, kv := range env {
		if strings.HasPrefix(kv, "JIB_GATEWAY_URL=") && strings.Contains(kv, cfg.GatewayURL()) {
			sawGateway = true
		}
		for _, banned := range []string{"TOKEN", "API_KEY", "SECRET"} {
			key, _, _ := strings.Cut(kv, "=")
			if strings.Contains(key, banned) {
				t.Errorf("credential-shaped env var %s in sandbox env", key)
			}
		}
	}
	if !sawGateway {
		t.Errorf("gateway URL missing from env: %v", env)
	}
	if s.ContainerID == "" {
		t.Error("empty container id")
	}

	active, err := m.Active(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !active[s.ContainerID] {
		t.Errorf("session %s not reported active", s.ContainerID)
	}
}
