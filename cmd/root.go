// Package cmd is the jib CLI: session control, the long-lived services,
// log tooling, staging review, setup, and the hidden in-sandbox shim.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/khan/jib/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/khan/jib/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "jib",
	Short: "jib: sandboxed software-engineering agent",
	Long:  "jib runs an autonomous engineering agent in a credential-free sandbox. The trusted-side gateway holds every secret; the agent reaches the outside world only through it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.jib/config/jib.yaml or $JIB_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	addSessionFlags(rootCmd)

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(bridgeCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(applyStagedCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(shimCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jib %s\n", Version)
		},
	}
}

// setupLogging installs the default slog handler.
func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// loadConfig is the common service preamble: logging, config, dirs.
func loadConfig() (*config.Config, error) {
	setupLogging()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	config.MigrateLegacyPaths(cfg.Base())
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
