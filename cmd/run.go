package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tbellam/mapextract/internal/browser"
	"github.com/tbellam/mapextract/internal/config"
	"github.com/tbellam/mapextract/internal/gmaps"
	"github.com/tbellam/mapextract/internal/metrics"
	"github.com/tbellam/mapextract/internal/pipeline"
	"github.com/tbellam/mapextract/internal/store"
)

var termsFile string

// newRunCmd creates the 'run' subcommand: the full scrape of every given
// keyword.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [keywords...]",
		Short: "Scrapes place data for the given keywords",
		Long: `Runs discovery and extraction for every keyword, either passed as
arguments or read one-per-line from --terms-file. Keywords completed in a
previous run are skipped via the checkpoint file.`,

		RunE: runRunCommand,
	}
	cmd.Flags().StringVar(&termsFile, "terms-file", "", "file with one keyword per line")
	return cmd
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	container, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	logger := container.Logger()

	terms, err := collectTerms(args)
	if err != nil {
		return err
	}
	if len(terms) == 0 {
		return errors.New("no keywords given: pass arguments or --terms-file")
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
		startMetricsServer(cfg.Metrics.Port, logger)
	}

	sched, cleanup, err := buildScheduler(cfg, container.Events(), container.Artifacts(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	runStart := time.Now()
	results, err := sched.Run(cmd.Context(), terms)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run scrape: %w", err)
	}

	total := 0
	for _, recs := range results {
		total += len(recs)
	}
	logger.Info("run finished",
		zap.Int("terms", len(results)),
		zap.Int("records", total),
		zap.Duration("elapsed", time.Since(runStart)))
	return nil
}

// buildScheduler assembles the browsers, sessions, pool, and scheduler.
// The returned cleanup closes everything it opened, in reverse order.
func buildScheduler(
	cfg config.Config,
	events pipeline.CompletionPublisher,
	artifacts pipeline.ArtifactStore,
	logger *zap.Logger,
) (*pipeline.Scheduler, func(), error) {
	detector := pipeline.NewDetectorWith(cfg.Detection.Signatures, cfg.Detection.Limit, logger)

	browserCfg := browser.Config{
		Headless:   cfg.Browser.Headless,
		UserAgent:  cfg.Browser.UserAgent,
		NavTimeout: cfg.NavTimeout(),
		NavQPS:     cfg.Browser.NavQPS,
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*pipeline.Scheduler, func(), error) {
		cleanup()
		return nil, nil, err
	}

	feedBrowser, err := browser.Launch(browserCfg, "discovery", logger)
	if err != nil {
		return fail(fmt.Errorf("launch discovery browser: %w", err))
	}
	closers = append(closers, func() {
		if cerr := feedBrowser.Close(); cerr != nil {
			logger.Warn("closing discovery browser", zap.Error(cerr))
		}
	})

	extractBrowser, err := browser.Launch(browserCfg, "extraction", logger)
	if err != nil {
		return fail(fmt.Errorf("launch extraction browser: %w", err))
	}
	closers = append(closers, func() {
		if cerr := extractBrowser.Close(); cerr != nil {
			logger.Warn("closing extraction browser", zap.Error(cerr))
		}
	})

	discoveryCfg := pipeline.DiscoveryConfig{
		IdleTimeout:     cfg.IdleTimeout(),
		ScrollDelayMin:  time.Duration(cfg.Scroll.DelayMinMs) * time.Millisecond,
		ScrollDelayMax:  time.Duration(cfg.Scroll.DelayMaxMs) * time.Millisecond,
		SmartScroll:     cfg.Scroll.Smart,
		MaxEmptyScrolls: cfg.Scroll.MaxEmptyScrolls,
	}

	discoverers := make([]*pipeline.Discoverer, 0, cfg.Search.LinkWorkers)
	for i := 0; i < cfg.Search.LinkWorkers; i++ {
		feed, err := gmaps.NewFeed(feedBrowser, detector, cfg.Search.Language, logger)
		if err != nil {
			return fail(fmt.Errorf("open feed session %d: %w", i, err))
		}
		closers = append(closers, func() {
			if cerr := feed.Close(); cerr != nil {
				logger.Warn("closing feed session", zap.Error(cerr))
			}
		})
		discoverers = append(discoverers, pipeline.NewDiscoverer(feed, detector, discoveryCfg, logger))
	}

	poolCfg := pipeline.PoolConfig{
		Workers:          cfg.Workers.Count,
		StaggerDelay:     time.Duration(cfg.Workers.StaggerMs) * time.Millisecond,
		CleanupEvery:     cfg.Workers.CleanupEvery,
		PostItemDelayMin: time.Duration(cfg.Workers.PostItemDelayMinMs) * time.Millisecond,
		PostItemDelayMax: time.Duration(cfg.Workers.PostItemDelayMaxMs) * time.Millisecond,
		MaxRestarts:      cfg.Workers.MaxRestarts,
		RestartBackoff:   time.Duration(cfg.Workers.RestartBackoffSecs) * time.Second,
		LowQualityLimit:  cfg.Workers.LowQualityLimit,
	}
	retry := pipeline.NewLinearRetryPolicy(
		cfg.Workers.MaxRetries,
		time.Duration(cfg.Workers.RetryBackoffMs)*time.Millisecond,
	)
	pool := pipeline.NewPool(
		poolCfg,
		gmaps.NewExtractorBrowser(extractBrowser, detector, logger),
		discoverers[0].Session(),
		detector,
		retry,
		nil,
		logger,
	)

	sink, err := store.NewResultSink(cfg.Output.Dir, logger)
	if err != nil {
		return fail(fmt.Errorf("init result sink: %w", err))
	}
	checkpoint, err := store.LoadCheckpoint(cfg.Output.CheckpointFile)
	if err != nil {
		return fail(fmt.Errorf("load checkpoint: %w", err))
	}

	schedCfg := pipeline.SchedulerConfig{
		LinkWorkers: cfg.Search.LinkWorkers,
		Prefetch:    cfg.Search.Prefetch,
		BatchDelay:  cfg.BatchDelay(),
	}
	sched, err := pipeline.NewScheduler(
		schedCfg,
		discoverers,
		pool,
		detector,
		sink,
		checkpoint,
		events,
		artifacts,
		progressCallbacks(logger),
		uuid.NewString(),
		logger,
	)
	if err != nil {
		return fail(fmt.Errorf("build scheduler: %w", err))
	}
	return sched, cleanup, nil
}

func progressCallbacks(logger *zap.Logger) pipeline.Callbacks {
	return pipeline.Callbacks{
		OnTermStart: func(term string) {
			logger.Info("keyword started", zap.String("term", term))
		},
		OnProgress: func(p pipeline.Progress) {
			logger.Debug("keyword progress",
				zap.String("term", p.Term),
				zap.String("phase", string(p.Phase)),
				zap.Float64("fraction", p.Fraction),
				zap.Int("links", p.LinksFound),
				zap.Int("extracted", p.ExtractedCount))
		},
		OnTermComplete: func(tc pipeline.TermCompletion) {
			if tc.Err != nil {
				logger.Warn("keyword failed",
					zap.String("term", tc.Term),
					zap.Error(tc.Err))
				return
			}
			logger.Info("keyword completed",
				zap.String("term", tc.Term),
				zap.Int("records", tc.Count))
		},
	}
}

// collectTerms merges CLI arguments with the optional terms file,
// preserving order and dropping duplicates, blanks, and comments.
func collectTerms(args []string) ([]string, error) {
	seen := make(map[string]struct{})
	var terms []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || strings.HasPrefix(t, "#") {
			return
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	for _, a := range args {
		add(a)
	}
	if termsFile != "" {
		f, err := os.Open(termsFile)
		if err != nil {
			return nil, fmt.Errorf("open terms file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			add(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read terms file: %w", err)
		}
	}
	return terms, nil
}

func startMetricsServer(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
}
