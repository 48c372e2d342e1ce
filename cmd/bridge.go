package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/khan/jib/internal/bridge"
	"github.com/khan/jib/internal/config"
	"github.com/khan/jib/internal/gateway"
	"github.com/khan/jib/internal/registry"
)

func bridgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Run the bi-directional Slack chat bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge()
		},
	}
}

func runBridge() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecrets(cfg.SecretsPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Open(cfg.RegistryPath(), cfg.Registry.PostgresDSN)
	if err != nil {
		return err
	}
	defer reg.Close()

	reqlog, err := gateway.OpenRequestLog(filepath.Join(cfg.Base(), "bridge-requests.jsonl"))
	if err != nil {
		return err
	}
	defer reqlog.Close()

	api := slack.New(secrets.SlackBotToken)
	chat := gateway.NewChatProxy(api, reqlog)

	threads, err := bridge.OpenThreadStore(filepath.Join(cfg.Base(), "threads.json"))
	if err != nil {
		return err
	}

	// Permanent send failures land in the task record so they resurface
	// instead of disappearing with the log line.
	onFailure := func(ctx context.Context, intent bridge.Intent, sendErr error) {
		if intent.ContextID == "" {
			return
		}
		if err := reg.AppendNote(ctx, intent.ContextID, "notification delivery failed: "+sendErr.Error()); err != nil {
			slog.Error("failure note append failed", "context_id", intent.ContextID, "error", err)
		}
	}
	batcher := bridge.NewBatcher(chat, threads, cfg.Bridge.Channel, cfg.Bridge.BatchWindow, onFailure)

	classifier := &bridge.Classifier{
		SelfUserID:    cfg.Bridge.SelfUserID,
		SelfDMChannel: cfg.Bridge.SelfDMChannel,
		BotUserID:     cfg.Bridge.BotUserID,
		TaskPrefix:    cfg.Bridge.TaskPrefix,
		AllowedUsers:  cfg.Bridge.AllowedUsers,
		BotThreads:    threads.IsBotThread,
	}

	outbound := bridge.NewOutbound(cfg.NotificationsDir(), batcher, reg)
	inbound := bridge.NewInbound(classifier, chat, reg, cfg.IncomingDir(), cfg.ResponsesDir())

	slog.Info("bridge starting", "channel", cfg.Bridge.Channel, "batch_window", cfg.Bridge.BatchWindow)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return outbound.Run(ctx) })
	g.Go(func() error { return inbound.Run(ctx, secrets.SlackBotToken, secrets.SlackAppToken) })
	return g.Wait()
}
