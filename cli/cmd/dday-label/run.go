package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dday-label/dday/cli/cmd/dday-label/cmdutil"
	"github.com/dday-label/dday/pkg/labeler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Updates countdown labels for the current GitHub Actions event",
	Long: `Updates countdown labels for the current GitHub Actions event.

For pull_request events only the pull request given by PR_NUMBER is updated.
For schedule and workflow_dispatch events every open pull request is updated.
Other events are ignored.`,
	Args: cobra.NoArgs,

	DisableFlagsInUseLine: true,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			cmdutil.Fatal(err)
		}

		ev := labeler.Event{Name: cfg.EventName}
		if ev.Name == labeler.EventPullRequest {
			n, err := cfg.PullRequestNumber()
			if err != nil {
				cmdutil.Fatal(err)
			}
			ev.PullRequest = n
		}

		ctx, cancel := interruptContext()
		defer cancel()

		l, err := newLabeler(ctx, cfg, log.Logger)
		if err != nil {
			cmdutil.Fatal(err)
		}
		sum, err := l.Run(ctx, ev)
		logSummary(log.Logger, sum)
		if err != nil {
			cmdutil.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
