package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/khan/jib/internal/container"
)

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect captured container run logs",
	}
	cmd.AddCommand(logsListCmd(), logsSearchCmd(), logsPruneCmd())
	return cmd
}

func openRunLog() (*container.RunLog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return container.NewRunLog(cfg.ContainerLogsDir()), nil
}

func logsListCmd() *cobra.Command {
	var origin string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rl, err := openRunLog()
			if err != nil {
				return err
			}
			runs, err := rl.List()
			if err != nil {
				return err
			}
			if origin != "" {
				filtered := runs[:0]
				for _, r := range runs {
					if string(r.Origin) == origin {
						filtered = append(filtered, r)
					}
				}
				runs = filtered
			}
			printRuns(runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "filter by origin (timer, chat, pr-event, manual)")
	return cmd
}

func logsSearchCmd() *cobra.Command {
	var content bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search runs by context id, source ref, or log content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rl, err := openRunLog()
			if err != nil {
				return err
			}
			runs, err := rl.List()
			if err != nil {
				return err
			}
			query := strings.ToLower(args[0])
			var hits []container.Run
			for _, r := range runs {
				if strings.Contains(strings.ToLower(r.ContextID), query) ||
					strings.Contains(strings.ToLower(r.SourceRef), query) ||
					strings.Contains(strings.ToLower(r.RunID), query) {
					hits = append(hits, r)
					continue
				}
				if content && logContains(r.LogsPath, query) {
					hits = append(hits, r)
				}
			}
			printRuns(hits)
			return nil
		},
	}
	cmd.Flags().BoolVar(&content, "content", false, "also grep log file contents")
	return cmd
}

func logsPruneCmd() *cobra.Command {
	var olderThan time.Duration
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old run logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rl, err := openRunLog()
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-olderThan)
			if keep > 0 {
				runs, err := rl.List() // newest first
				if err != nil {
					return err
				}
				if len(runs) <= keep {
					fmt.Println("nothing to prune")
					return nil
				}
				cutoff = runs[keep-1].StartedAt
			}
			n, err := rl.Prune(cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d runs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs started before this age")
	cmd.Flags().IntVar(&keep, "keep", 0, "keep only the newest N runs (overrides --older-than)")
	return cmd
}

func logContains(path, query string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), query)
}

// printRuns renders an aligned table. Context ids can carry wide runes
// from chat titles, so alignment goes through runewidth.
func printRuns(runs []container.Run) {
	if len(runs) == 0 {
		fmt.Println("no runs")
		return
	}
	headers := []string{"STARTED", "RUN", "ORIGIN", "EXIT", "CONTEXT"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		exit := fmt.Sprintf("%d", r.ExitStatus)
		if r.TimedOut {
			exit = "timeout"
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.RunID,
			string(r.Origin),
			exit,
			r.ContextID,
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}
