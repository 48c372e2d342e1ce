package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/khan/jib/internal/container"
	"github.com/khan/jib/internal/gitexec"
	"github.com/khan/jib/internal/gitiso"
	"github.com/khan/jib/internal/policy"
)

var sessionFlags struct {
	rebuild  bool
	execArgv string
	worktree bool
	private  bool
	repos    []string
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&sessionFlags.rebuild, "rebuild", false, "rebuild the sandbox image before starting")
	cmd.Flags().StringVar(&sessionFlags.execArgv, "exec", "", "run a one-shot command instead of an interactive session")
	cmd.Flags().BoolVar(&sessionFlags.worktree, "worktree", false, "with --exec: run inside the repo worktree")
	cmd.Flags().BoolVar(&sessionFlags.private, "private", false, "private mode: incognito identity, web tools stripped")
	cmd.Flags().StringSliceVar(&sessionFlags.repos, "repo", nil, "repository to mount (repeatable; default: all writable)")
}

// runSession starts a sandbox container with worktrees mounted and either
// attaches interactively or runs a one-shot exec.
func runSession() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pol, err := policy.Load(policy.Path(cfg.ConfigDir()))
	if err != nil {
		return err
	}
	repos := sessionFlags.repos
	if len(repos) == 0 {
		repos = pol.WritableRepos
	}
	for _, repo := range repos {
		if pol.Lookup(repo) == nil {
			return fmt.Errorf("repository %s is not in the policy; add it with jib setup", repo)
		}
	}

	if sessionFlags.rebuild {
		if err := rebuildImage(ctx, cfg.Container.BuildDir, cfg.Container.Image); err != nil {
			return err
		}
	}

	docker, err := container.NewDocker()
	if err != nil {
		return err
	}
	runner := &gitexec.ExecRunner{}
	wt := gitiso.NewManager(cfg.ReposDir(), cfg.WorktreesDir(), runner)
	if err := wt.LoadIndex(); err != nil {
		return err
	}
	shim, err := os.Executable()
	if err != nil {
		return err
	}
	mgr := container.NewManager(cfg, docker, wt, shim)

	sess, err := mgr.StartSession(ctx, repos, sessionFlags.private)
	if err != nil {
		return err
	}
	fmt.Printf("session %s up (repos: %s)\n", sess.ContainerID, strings.Join(repos, ", "))

	if sessionFlags.execArgv != "" {
		return runOneShot(ctx, mgr, sess, repos)
	}

	// Interactive: hand the terminal to docker exec and stop the session
	// when the shell exits.
	defer mgr.StopSession(context.Background(), sess)
	shell := exec.CommandContext(ctx, "docker", "exec", "-it", "jib-"+sess.ContainerID, "/bin/bash")
	shell.Stdin = os.Stdin
	shell.Stdout = os.Stdout
	shell.Stderr = os.Stderr
	return shell.Run()
}

func runOneShot(ctx context.Context, mgr *container.Manager, sess *container.Session, repos []string) error {
	defer mgr.StopSession(context.Background(), sess)

	argv := strings.Fields(sessionFlags.execArgv)
	if sessionFlags.worktree && len(repos) > 0 {
		name := repos[0]
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		argv = append([]string{"sh", "-c", "cd /home/agent/work/" + name + " && exec \"$@\"", "--"}, argv...)
	}

	run, err := mgr.ExecRun(ctx, container.ExecSpec{
		Argv:   argv,
		Origin: container.OriginManual,
	})
	if err != nil {
		return err
	}
	fmt.Printf("run %s finished: exit=%d log=%s\n", run.RunID, run.ExitStatus, run.LogsPath)
	if run.ExitStatus != 0 {
		return fmt.Errorf("command exited with status %d", run.ExitStatus)
	}
	return nil
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active sandbox session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			docker, err := container.NewDocker()
			if err != nil {
				return err
			}
			runner := &gitexec.ExecRunner{}
			wt := gitiso.NewManager(cfg.ReposDir(), cfg.WorktreesDir(), runner)
			if err := wt.LoadIndex(); err != nil {
				return err
			}
			mgr := container.NewManager(cfg, docker, wt, "")

			active, err := mgr.Active(ctx)
			if err != nil {
				return err
			}
			if len(active) == 0 {
				fmt.Println("no active session")
				return nil
			}
			for cid := range active {
				repos := make([]string, 0)
				for _, info := range wt.List() {
					if info.ContainerID == cid {
						repos = append(repos, info.Repo)
					}
				}
				if err := mgr.StopSession(ctx, &container.Session{ContainerID: cid, DockerID: "jib-" + cid, Repos: repos}); err != nil {
					return err
				}
				fmt.Printf("stopped %s\n", cid)
			}
			return nil
		},
	}
}

func rebuildImage(ctx context.Context, buildDir, image string) error {
	if buildDir == "" {
		return fmt.Errorf("container.build_dir is not configured; cannot rebuild")
	}
	build := exec.CommandContext(ctx, "docker", "build", "-t", image, filepath.Clean(buildDir))
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	return build.Run()
}
