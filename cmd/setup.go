package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/khan/jib/internal/config"
	"github.com/khan/jib/internal/policy"
)

func setupCmd() *cobra.Command {
	var update, force bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-time setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(update, force)
		},
	}
	cmd.Flags().BoolVar(&update, "update", false, "edit an existing installation")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files without asking")
	return cmd
}

func runSetup(update, force bool) error {
	setupLogging()
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil && !update && !force {
		return fmt.Errorf("%s already exists; re-run with --update to edit or --force to overwrite", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	var (
		slackBot   string
		slackApp   string
		githubTok  string
		anthropic  string
		channel    = cfg.Bridge.Channel
		selfUser   = cfg.Bridge.SelfUserID
		selfDM     = cfg.Bridge.SelfDMChannel
		botUser    = cfg.Bridge.BotUserID
		username   string
		writableCS string
		readableCS string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Slack bot token (xoxb-...)").EchoMode(huh.EchoModePassword).Value(&slackBot),
			huh.NewInput().Title("Slack app-level token (xapp-...)").EchoMode(huh.EchoModePassword).Value(&slackApp),
			huh.NewInput().Title("GitHub token (or leave empty when using a GitHub App)").EchoMode(huh.EchoModePassword).Value(&githubTok),
			huh.NewInput().Title("Anthropic API key or OAuth token").EchoMode(huh.EchoModePassword).Value(&anthropic),
		),
		huh.NewGroup(
			huh.NewInput().Title("Notification channel id").Value(&channel),
			huh.NewInput().Title("Your Slack user id").Value(&selfUser),
			huh.NewInput().Title("Your self-DM channel id").Value(&selfDM),
			huh.NewInput().Title("Bot user id").Value(&botUser),
		),
		huh.NewGroup(
			huh.NewInput().Title("GitHub username").Value(&username),
			huh.NewInput().Title("Writable repos (owner/name, comma-separated)").Value(&writableCS),
			huh.NewInput().Title("Readable repos (owner/name, comma-separated)").Value(&readableCS),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Bridge.Channel = channel
	cfg.Bridge.SelfUserID = selfUser
	cfg.Bridge.SelfDMChannel = selfDM
	cfg.Bridge.BotUserID = botUser
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", cfgPath)

	// Secrets: merge over any existing bundle so --update keeps untouched
	// keys. The file stays 0600; LoadSecrets refuses anything looser.
	vals := map[string]string{}
	if existing, err := config.LoadSecrets(cfg.SecretsPath()); err == nil {
		vals[config.KeySlackBotToken] = existing.SlackBotToken
		vals[config.KeySlackAppToken] = existing.SlackAppToken
		vals[config.KeyGitHubToken] = existing.GitHubToken
		vals[config.KeyAnthropicAPIKey] = existing.AnthropicAPIKey
		vals[config.KeyConfluenceToken] = existing.ConfluenceToken
		vals[config.KeyConfluenceEmail] = existing.ConfluenceEmail
	}
	setIf := func(key, v string) {
		if v != "" {
			vals[key] = v
		}
	}
	setIf(config.KeySlackBotToken, slackBot)
	setIf(config.KeySlackAppToken, slackApp)
	setIf(config.KeyGitHubToken, githubTok)
	if strings.HasPrefix(anthropic, "sk-ant-oat") {
		setIf(config.KeyAnthropicOAuthToken, anthropic)
	} else {
		setIf(config.KeyAnthropicAPIKey, anthropic)
	}
	if err := config.WriteSecrets(cfg.SecretsPath(), vals); err != nil {
		return err
	}
	fmt.Printf("wrote %s (mode 600)\n", cfg.SecretsPath())

	pol := &policy.Store{
		GitHubUsername: username,
		WritableRepos:  splitRepos(writableCS),
		ReadableRepos:  splitRepos(readableCS),
	}
	if err := pol.Validate(); err != nil {
		return err
	}
	if err := policy.Save(policy.Path(cfg.ConfigDir()), pol); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", policy.Path(cfg.ConfigDir()))

	printServiceHints()
	return nil
}

func splitRepos(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printServiceHints shows the unit definitions for the long-lived
// services. Installing them is left to the operator.
func printServiceHints() {
	fmt.Println("\nTo run the services under systemd, create units like:")
	for _, svc := range []string{"gateway", "bridge", "dispatch"} {
		fmt.Printf(`
  # ~/.config/systemd/user/jib-%s.service
  [Unit]
  Description=jib %s
  [Service]
  ExecStart=%%h/go/bin/jib %s
  Restart=on-failure
  [Install]
  WantedBy=default.target
`, svc, svc, svc)
	}
	fmt.Println("\nThen: systemctl --user enable --now jib-gateway jib-bridge jib-dispatch")
}
