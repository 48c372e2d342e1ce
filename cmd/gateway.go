package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/khan/jib/internal/container"
	"github.com/khan/jib/internal/gateway"
	"github.com/khan/jib/internal/gitiso"
	"github.com/khan/jib/internal/telemetry"
)

func gatewayCmd() *cobra.Command {
	var private bool
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the credential-holding gateway sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(private)
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "private mode: strip web tools, block non-private repos")
	return cmd
}

func runGateway(private bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTraces(context.Background())

	// A missing or invalid secret bundle is fatal: a gateway without
	// credentials would turn every agent operation into noise.
	srv, err := gateway.NewServer(cfg, gateway.Options{PrivateMode: private})
	if err != nil {
		slog.Error("gateway startup failed", "error", err)
		return err
	}

	srv.Sweep(ctx, activeContainers(ctx, srv.Worktrees()))
	return srv.Start(ctx)
}

// activeContainers resolves the running-session set for the startup
// sweep. Without Docker every worktree is an orphan candidate, which is
// wrong, so the sweep is skipped by treating all owners as active.
func activeContainers(ctx context.Context, wt *gitiso.Manager) map[string]bool {
	docker, err := container.NewDocker()
	if err != nil {
		slog.Warn("docker unavailable, skipping worktree sweep", "error", err)
		active := make(map[string]bool)
		for _, info := range wt.List() {
			active[info.ContainerID] = true
		}
		return active
	}
	list, err := docker.ListByLabel(ctx, "jib.session", "")
	if err != nil {
		slog.Warn("container listing failed, skipping worktree sweep", "error", err)
		active := make(map[string]bool)
		for _, info := range wt.List() {
			active[info.ContainerID] = true
		}
		return active
	}
	active := make(map[string]bool, len(list))
	for _, c := range list {
		if len(c.Name) > 4 {
			active[c.Name[4:]] = true // trim "jib-"
		}
	}
	return active
}
