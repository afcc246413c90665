package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata" // the runtime image may lack zoneinfo

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dday-label/dday/cli/cmd/dday-label/cmdutil"
	"github.com/dday-label/dday/pkg/config"
	"github.com/dday-label/dday/pkg/github"
	"github.com/dday-label/dday/pkg/labeler"
	"github.com/dday-label/dday/pkg/notion"
)

var (
	verbosity  int
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "dday-label",
	Short:         "dday-label keeps D-day countdown labels on pull requests in sync with Notion deadlines",
	SilenceErrors: true, // We'll handle displaying an error in our main func
	SilenceUsage:  true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if verbosity == 1 {
			level = zerolog.DebugLevel
		} else if verbosity >= 2 {
			level = zerolog.TraceLevel
		}
		log.Logger = log.Logger.Level(level)
	},
}

func main() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML config file (default $"+config.FileEnvVar+" or "+config.DefaultFile+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default "+config.DefaultEnvFile+")")
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := rootCmd.Execute(); err != nil {
		cmdutil.Fatal(err)
	}
}

// loadConfig loads the configuration, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(config.Options{File: configFile, EnvFile: envFile})
	if err != nil {
		cmdutil.Fatal(err)
	}
	return cfg
}

// interruptContext returns a context canceled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newLabeler wires the Notion and GitHub clients described by cfg.
func newLabeler(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*labeler.Labeler, error) {
	repo, err := github.ParseRepo(cfg.Repository)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var ghOpts []github.Option
	if cfg.GitHubAPIURL != "" {
		ghOpts = append(ghOpts, github.WithAPIURL(cfg.GitHubAPIURL))
	}
	gh, err := github.NewClient(ctx, repo, cfg.GitHubToken, ghOpts...)
	if err != nil {
		return nil, err
	}
	nc := notion.NewClient(cfg.NotionToken,
		notion.WithBaseURL(cfg.Notion.BaseURL),
		notion.WithVersion(cfg.Notion.Version),
	)

	palette := cfg.Palette()
	return &labeler.Labeler{
		Notion:       nc,
		GitHub:       gh,
		Location:     loc,
		Palette:      &palette,
		DateProperty: cfg.DateProperty,
		Description:  cfg.Label.Description,
		Concurrency:  cfg.Concurrency,
		Log:          logger.With().Str("repo", repo.String()).Logger(),
	}, nil
}

func logSummary(logger zerolog.Logger, sum *labeler.Summary) {
	if sum == nil || sum.Skipped {
		return
	}
	logger.Info().
		Str("run_id", sum.RunID).
		Int("pull_requests", len(sum.Results)).
		Int("labeled", sum.Count(labeler.OutcomeLabeled)).
		Int("unchanged", sum.Count(labeler.OutcomeUnchanged)).
		Int("cleared", sum.Count(labeler.OutcomeCleared)).
		Int("skipped", sum.Count(labeler.OutcomeNoTaskID)+sum.Count(labeler.OutcomeNoPage)).
		Int("failed", sum.Count(labeler.OutcomeFailed)).
		Msg("run complete")
}
