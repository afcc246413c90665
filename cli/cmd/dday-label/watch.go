package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dday-label/dday/cli/cmd/dday-label/cmdutil"
	"github.com/dday-label/dday/pkg/labeler"
)

var (
	watchSchedule string
	watchNow      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [--schedule=<cron>] [--now]",
	Short: "Sweeps all open pull requests on a cron schedule until interrupted",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.EventName == "" {
			cfg.EventName = labeler.EventSchedule
		}
		if cmd.Flags().Changed("schedule") {
			cfg.Schedule = watchSchedule
		}
		if err := cfg.Validate(); err != nil {
			cmdutil.Fatal(err)
		}
		loc, err := cfg.Location()
		if err != nil {
			cmdutil.Fatal(err)
		}

		ctx, cancel := interruptContext()
		defer cancel()

		l, err := newLabeler(ctx, cfg, log.Logger)
		if err != nil {
			cmdutil.Fatal(err)
		}
		if err := watch(ctx, l, cfg.Schedule, loc, watchNow, log.Logger); err != nil {
			cmdutil.Fatal(err)
		}
	},
}

// runner is the part of the labeler that watch drives.
type runner interface {
	Run(ctx context.Context, ev labeler.Event) (*labeler.Summary, error)
}

// watch runs a sweep on every tick of schedule until ctx is canceled.
// Sweeps never overlap; a tick that fires while one is running is skipped.
// On return no sweep is running.
func watch(ctx context.Context, r runner, schedule string, loc *time.Location, runNow bool, logger zerolog.Logger) error {
	if loc == nil {
		loc = time.UTC
	}
	clog := cronLogger{logger}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	sweep := func() {
		sum, err := r.Run(ctx, labeler.Event{Name: labeler.EventSchedule})
		logSummary(logger, sum)
		if err != nil {
			logger.Error().Err(err).Msg("sweep failed")
		}
	}
	id, err := c.AddFunc(schedule, sweep)
	if err != nil {
		return errors.Wrapf(err, "invalid schedule %q", schedule)
	}

	if runNow {
		sweep()
		if ctx.Err() != nil {
			return nil
		}
	}

	c.Start()
	logger.Info().Str("schedule", schedule).Time("next", c.Entry(id).Next).Msg("watching pull requests")

	<-ctx.Done()
	logger.Info().Msg("stopping; waiting for running sweep to finish")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "cron expression (default from config, \"0 0 * * *\")")
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "run a sweep immediately on start")
}
