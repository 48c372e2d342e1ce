package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/khan/jib/internal/gitexec"
	"github.com/khan/jib/internal/staging"
)

func applyStagedCmd() *cobra.Command {
	var repoOverride string
	cmd := &cobra.Command{
		Use:   "apply-staged [slug|all]",
		Short: "Review and apply staged change drops",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}

			confirm := func(drop staging.Drop, diff string) (bool, error) {
				var ok bool
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Commit %q to the target repository?", drop.Meta.Title)).
					Description(fmt.Sprintf("drop %s, %d staged file(s)", drop.Slug, len(drop.Files))).
					Value(&ok).
					Run()
				return ok, err
			}

			applier := staging.NewApplier(&gitexec.ExecRunner{}, cfg.StagedChangesDir(), home, confirm, os.Stdout)
			ctx := context.Background()

			slug := ""
			if len(args) == 1 {
				slug = args[0]
			}
			if slug == "" {
				slug, err = pickDrop(cfg.StagedChangesDir())
				if err != nil {
					return err
				}
				if slug == "" {
					fmt.Println("no staged drops")
					return nil
				}
			}

			if slug == "all" {
				results, err := applier.ApplyAll(ctx, repoOverride)
				if err != nil {
					return err
				}
				for _, res := range results {
					fmt.Printf("%s: %s\n", res.Slug, res.Outcome)
				}
				return nil
			}
			_, err = applier.Apply(ctx, slug, repoOverride)
			return err
		},
	}
	cmd.Flags().StringVar(&repoOverride, "repo", "", "override the target repository path")
	return cmd
}

// pickDrop lets the human choose among pending drops.
func pickDrop(dropZone string) (string, error) {
	drops, err := staging.ScanDrops(dropZone)
	if err != nil {
		return "", err
	}
	if len(drops) == 0 {
		return "", nil
	}

	options := make([]huh.Option[string], 0, len(drops)+1)
	for _, d := range drops {
		label := d.Slug
		if d.Meta.Title != "" {
			label = fmt.Sprintf("%s: %s", d.Slug, d.Meta.Title)
		}
		options = append(options, huh.NewOption(label, d.Slug))
	}
	options = append(options, huh.NewOption("apply all", "all"))

	var slug string
	err = huh.NewSelect[string]().
		Title("Staged drops").
		Options(options...).
		Value(&slug).
		Run()
	return slug, err
}
