package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jobscout-io/scout/internal/config"
)

var (
	app   *config.App
	quiet bool
)

// newRootCmd assembles the CLI. Environment config, logging and Sentry are
// initialised once in the persistent pre-run so every subcommand starts
// from the same state.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scout",
		Short: "Job listing scraper and archive",
		Long: `Scout crawls configured job boards, archives their listings in
Postgres, and filters the archive down to listings worth reading.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app = config.LoadApp()
			setupLogging(app)
			initSentry(app)
		},
	}

	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")

	cmd.AddCommand(
		newRunCmd(),
		newSourcesCmd(),
		newStatsCmd(),
		newFilterCmd(),
		newMaintainCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the CLI. An interrupt exits 130, any other failure exits 1.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	sentry.Flush(2 * time.Second)

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Warn().Msg("Interrupted, progress saved to cache")
		os.Exit(130)
	default:
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging(app *config.App) {
	level, err := zerolog.ParseLevel(app.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	if quiet && level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// LOG_FORMAT overrides the environment default of console output in
	// development and JSON everywhere else.
	console := app.Env == "development"
	switch app.LogFormat {
	case "console":
		console = true
	case "json":
		console = false
	}

	// Logs go to stderr; stdout is reserved for tables and CSV output.
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		log.Logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Str("service", "scout").
			Logger()
	}
}

func initSentry(app *config.App) {
	if app.SentryDSN == "" {
		log.Debug().Msg("Sentry DSN not configured, error tracking disabled")
		return
	}

	tracesSampleRate := 1.0
	if app.Env == "production" {
		tracesSampleRate = 0.1
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              app.SentryDSN,
		Environment:      app.Env,
		TracesSampleRate: tracesSampleRate,
		AttachStacktrace: true,
		Debug:            app.Env == "development",
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise Sentry")
		return
	}
	log.Info().Str("environment", app.Env).Msg("Sentry initialised")
}
