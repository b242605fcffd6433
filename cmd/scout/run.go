package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jobscout-io/scout/internal/config"
	"github.com/jobscout-io/scout/internal/db"
	"github.com/jobscout-io/scout/internal/notifications"
	"github.com/jobscout-io/scout/internal/observability"
	"github.com/jobscout-io/scout/internal/scraper"
	"github.com/jobscout-io/scout/internal/techdetect"
)

type runFlags struct {
	batchSize     int
	retryFailures bool
	startPage     int
	concurrency   int
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [source...]",
		Short: "Crawl sources and archive their listings",
		Long: `Run crawls the named sources, or every configured source when none are
named. Each source works in batches against its own cache file, so an
interrupted run resumes where it stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSources(cmd.Context(), args, flags)
		},
	}

	cmd.Flags().IntVarP(&flags.batchSize, "batch-size", "b", 0, "pages or records per round (0 uses the source default)")
	cmd.Flags().BoolVarP(&flags.retryFailures, "retry-failures", "r", false, "refetch URLs that previously failed permanently")
	cmd.Flags().IntVarP(&flags.startPage, "start-page", "p", 0, "override the directory start page for html sources")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 1, "number of sources crawled in parallel")

	return cmd
}

func runSources(ctx context.Context, names []string, flags runFlags) error {
	sources, err := config.LoadSources(filepath.Join(app.ConfigDir, "sources.yaml"))
	if err != nil {
		return err
	}
	schema, err := config.LoadSchema(filepath.Join(app.ConfigDir, "data_schema.yaml"))
	if err != nil {
		return err
	}
	if err := schema.ValidateFields(sources); err != nil {
		return err
	}

	if len(names) == 0 {
		names = sources.Names()
	}
	configs := make([]config.SourceConfig, 0, len(names))
	for _, name := range names {
		sc, ok := sources.Get(name)
		if !ok {
			return fmt.Errorf("unknown source %q (configured: %s)", name, strings.Join(sources.Names(), ", "))
		}
		if flags.startPage > 0 && sc.Type == config.SourceTypeHTML {
			sc.Directory.StartPage = flags.startPage
		}
		configs = append(configs, sc)
	}

	prov, err := observability.Init(ctx, observability.Config{
		Enabled:        app.ObservabilityEnabled,
		ServiceName:    "scout",
		Environment:    app.Env,
		OTLPEndpoint:   strings.TrimSpace(app.OTLPEndpoint),
		OTLPHeaders:    observability.ParseOTLPHeaders(app.OTLPHeaders),
		OTLPInsecure:   app.OTLPInsecure,
		MetricsAddress: app.MetricsAddr,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
	}
	if prov != nil {
		stopMetrics := observability.StartMetricsServer(prov)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := stopMetrics(shutdownCtx); serr != nil {
				log.Warn().Err(serr).Msg("Failed to stop metrics server cleanly")
			}
			if serr := prov.Shutdown(shutdownCtx); serr != nil {
				log.Warn().Err(serr).Msg("Failed to flush telemetry cleanly")
			}
		}()
	}

	archive, err := db.InitFromEnvWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to archive: %w", err)
	}
	defer archive.Close()

	detector, err := techdetect.New()
	if err != nil {
		log.Warn().Err(err).Msg("Technology fingerprinting unavailable")
		detector = nil
	}

	before, err := archive.RowCount(ctx, archive.Table())
	if err != nil {
		log.Warn().Err(err).Msg("Could not count archived listings")
		before = -1
	}

	log.Info().
		Strs("sources", names).
		Int("batch_size", flags.batchSize).
		Int("concurrency", flags.concurrency).
		Bool("retry_failures", flags.retryFailures).
		Msg("Starting crawl session")

	opts := scraper.Options{
		BatchSize:     flags.batchSize,
		RetryFailures: flags.retryFailures,
	}

	// Failures stay in their outcome slot rather than cancelling the
	// group, so one broken source never stops the others.
	outcomes := make([]notifications.RunOutcome, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	if flags.concurrency < 1 {
		flags.concurrency = 1
	}
	g.SetLimit(flags.concurrency)
	for i, sc := range configs {
		g.Go(func() error {
			outcomes[i] = runOneSource(gctx, sc, schema, archive, detector, opts)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			log.Error().
				Err(o.Err).
				Str("source", o.Summary.Source).
				Int("rounds", o.Summary.Rounds).
				Int("archived", o.Summary.Archived).
				Msg("Source run failed")
			continue
		}
		log.Info().
			Str("source", o.Summary.Source).
			Str("state", string(o.Summary.State)).
			Int("rounds", o.Summary.Rounds).
			Int("discovered", o.Summary.Discovered).
			Int("archived", o.Summary.Archived).
			Dur("duration", o.Summary.Duration).
			Msg("Source run finished")
	}

	if before >= 0 && ctx.Err() == nil {
		if after, cerr := archive.RowCount(ctx, archive.Table()); cerr == nil {
			log.Info().
				Int("before", before).
				Int("after", after).
				Int("added", after-before).
				Msg("Archive totals")
		}
	}

	// The notification must survive an interrupt, so it gets its own
	// deadline instead of the command context.
	notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if nerr := notifications.NewNotifier(app.SlackWebhookURL).NotifyRun(notifyCtx, outcomes); nerr != nil {
		log.Warn().Err(nerr).Msg("Failed to send Slack run summary")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(configs))
	}
	return nil
}

func runOneSource(ctx context.Context, sc config.SourceConfig, schema *config.Schema, archive *db.DB, detector *techdetect.Detector, opts scraper.Options) notifications.RunOutcome {
	orch, err := scraper.FromConfig(sc, schema, app.CacheDir, archive, detector)
	if err != nil {
		return notifications.RunOutcome{
			Summary: &scraper.Summary{Source: sc.Name},
			Err:     err,
		}
	}

	summary, err := orch.Run(ctx, opts)
	return notifications.RunOutcome{Summary: summary, Err: err}
}
