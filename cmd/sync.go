package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/khan/jib/internal/config"
)

func syncCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror allow-listed documentation spaces locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func runSync(once bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecrets(cfg.SecretsPath())
	if err != nil {
		return err
	}
	mirror := newMirror(cfg, secrets)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		summary, err := mirror.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Println(summary.String())
		return nil
	}

	gron := gronx.New()
	if !gron.IsValid(cfg.Dispatch.SyncSchedule) {
		return fmt.Errorf("invalid sync schedule %q", cfg.Dispatch.SyncSchedule)
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			due, err := gron.IsDue(cfg.Dispatch.SyncSchedule, now)
			if err != nil || !due {
				continue
			}
			if summary, err := mirror.Sync(ctx); err != nil {
				fmt.Println("sync failed:", err)
			} else {
				fmt.Println(summary.String())
			}
		}
	}
}
