package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tbellam/mapextract/internal/metrics"
)

// Tab is one extraction slot bound to a single browser tab. Extract is the
// opaque, retryable per-item operation; the pipeline never looks inside it.
type Tab interface {
	Extract(ctx context.Context, item WorkItem) (Record, error)
	// ClearPageState wipes page-local storage for the tab.
	ClearPageState(ctx context.Context) error
	Close() error
}

// ExtractionBrowser owns the worker-pool browser process.
type ExtractionBrowser interface {
	NewTab(ctx context.Context) (Tab, error)
	// ClearData performs a full browser-data wipe (cache, cookies, storage).
	ClearData(ctx context.Context) error
	// Relaunch tears the process down and starts a fresh one with a clean
	// profile directory.
	Relaunch(ctx context.Context) error
	Close() error
}

// PoolConfig tunes the worker pool and its restart controller.
type PoolConfig struct {
	Workers int
	// StaggerDelay spaces worker startups (id * StaggerDelay) to avoid a
	// thundering herd against the target site.
	StaggerDelay time.Duration
	// EmptyPollDelay is the consumer backoff when the queue is empty.
	EmptyPollDelay time.Duration
	// CleanupEvery triggers the full browser-data wipe after this many
	// completed items across the pool.
	CleanupEvery int
	// PostItemDelayMin/Max bound the randomized pause after every item.
	PostItemDelayMin time.Duration
	PostItemDelayMax time.Duration
	// MaxRestarts bounds full browser relaunches per batch.
	MaxRestarts int
	// RestartBackoff is multiplied by the attempt number before relaunch.
	RestartBackoff time.Duration
	// LowQualityLimit is the number of missing-field markers above which a
	// record is skipped as low quality.
	LowQualityLimit int
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = time.Second
	}
	if c.EmptyPollDelay <= 0 {
		c.EmptyPollDelay = 300 * time.Millisecond
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = 20
	}
	if c.PostItemDelayMin <= 0 {
		c.PostItemDelayMin = 500 * time.Millisecond
	}
	if c.PostItemDelayMax < c.PostItemDelayMin {
		c.PostItemDelayMax = time.Second
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	} else if c.MaxRestarts == 0 {
		c.MaxRestarts = 2
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 10 * time.Second
	}
	if c.LowQualityLimit <= 0 {
		c.LowQualityLimit = 3
	}
}

// Pool drains the shared queue with Workers concurrent consumers, each bound
// to one browser tab, and restarts the whole browser when a worker hits an
// automation challenge.
type Pool struct {
	cfg          PoolConfig
	browser      ExtractionBrowser
	discovery    FeedSession
	detector     *Detector
	retry        *LinearRetryPolicy
	shouldCancel func() bool
	logger       *zap.Logger

	restartNeeded atomic.Bool
	completed     atomic.Int64
}

// NewPool constructs a Pool. discovery may be nil when no discovery session
// should participate in the periodic cleanup; detector and shouldCancel may
// be nil.
func NewPool(
	cfg PoolConfig,
	browser ExtractionBrowser,
	discovery FeedSession,
	detector *Detector,
	retry *LinearRetryPolicy,
	shouldCancel func() bool,
	logger *zap.Logger,
) *Pool {
	cfg.applyDefaults()
	if retry == nil {
		retry = NewLinearRetryPolicy(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:          cfg,
		browser:      browser,
		discovery:    discovery,
		detector:     detector,
		retry:        retry,
		shouldCancel: shouldCancel,
		logger:       logger,
	}
}

// Drain consumes q until it reports drained, restarting the browser on
// detection up to MaxRestarts times. Exhausting the budget, or tripping the
// run-wide detection breaker, abandons the remaining items (they resolve to
// no outcome) rather than failing the run. Every processed item produces
// exactly one ItemResult on results.
func (p *Pool) Drain(ctx context.Context, q *ItemQueue, results chan<- ItemResult) error {
	tabs, err := p.openTabs(ctx)
	if err != nil {
		return err
	}
	defer func() { closeTabs(tabs, p.logger) }()

	restartAttempt := 0
	for {
		p.runWorkers(ctx, q, tabs, results)

		if err := ctx.Err(); err != nil {
			return err
		}
		if p.cancelled() {
			return nil
		}
		if p.aborted() {
			dropped := q.Abandon()
			p.restartNeeded.Store(false)
			p.logger.Warn("detection limit reached, abandoning remaining items",
				zap.Int("dropped", dropped))
			return nil
		}
		if !p.restartNeeded.Load() {
			return nil
		}
		if q.Drained() {
			p.restartNeeded.Store(false)
			return nil
		}

		restartAttempt++
		if restartAttempt > p.cfg.MaxRestarts {
			dropped := q.Abandon()
			p.restartNeeded.Store(false)
			p.logger.Warn("restart budget exhausted, abandoning remaining items",
				zap.Int("dropped", dropped),
				zap.Int("max_restarts", p.cfg.MaxRestarts),
			)
			return nil
		}

		fresh, err := p.restart(ctx, restartAttempt, tabs)
		if err != nil {
			return err
		}
		tabs = fresh
	}
}

// runWorkers starts one goroutine per tab and blocks until all settle.
func (p *Pool) runWorkers(ctx context.Context, q *ItemQueue, tabs []Tab, results chan<- ItemResult) {
	var wg sync.WaitGroup
	for id, tab := range tabs {
		wg.Add(1)
		go func(id int, tab Tab) {
			defer wg.Done()
			p.runWorker(ctx, id, tab, q, results)
		}(id, tab)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int, tab Tab, q *ItemQueue, results chan<- ItemResult) {
	if err := sleepCtx(ctx, time.Duration(id)*p.cfg.StaggerDelay); err != nil {
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for !q.Drained() {
		if ctx.Err() != nil || p.cancelled() {
			return
		}
		if p.restartNeeded.Load() || p.aborted() {
			return
		}

		item, ok := q.TryDequeue()
		if !ok {
			if sleepCtx(ctx, p.cfg.EmptyPollDelay) != nil {
				return
			}
			continue
		}

		rec, err := p.extractWithRetry(ctx, tab, item)
		outcome := p.classify(rec, err)
		results <- ItemResult{Item: item, Record: rec, Outcome: outcome}
		metrics.ObserveItem(string(outcome.Status))

		if errors.Is(err, ErrDetected) {
			p.restartNeeded.Store(true)
			p.logger.Warn("worker raising restart after detection",
				zap.Int("worker", id), zap.String("url", item.URL))
			return
		}

		done := p.completed.Add(1)
		if done%int64(p.cfg.CleanupEvery) == 0 {
			p.cleanup(ctx, tab)
		}

		if sleepCtx(ctx, randomBetween(p.cfg.PostItemDelayMin, p.cfg.PostItemDelayMax)) != nil {
			return
		}
	}
}

// extractWithRetry runs the opaque extraction with bounded linear backoff.
// A detection error bypasses retry and is re-raised immediately.
func (p *Pool) extractWithRetry(ctx context.Context, tab Tab, item WorkItem) (Record, error) {
	for attempt := 1; ; attempt++ {
		rec, err := tab.Extract(ctx, item)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, ErrDetected) {
			return nil, err
		}
		if !p.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		p.logger.Debug("retrying item",
			zap.String("url", item.URL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if serr := sleepCtx(ctx, p.retry.Backoff(attempt)); serr != nil {
			return nil, err
		}
	}
}

func (p *Pool) classify(rec Record, err error) Outcome {
	switch {
	case err != nil:
		return Outcome{Status: StatusFailed, Reason: err.Error()}
	case rec == nil:
		return Outcome{Status: StatusSkippedInvalid}
	case rec.Identity() == "":
		return Outcome{Status: StatusSkippedNoIdentity}
	case rec.MissingFieldCount() > p.cfg.LowQualityLimit:
		return Outcome{Status: StatusSkippedLowQuality, Missing: rec.MissingFieldCount()}
	default:
		return Outcome{Status: StatusSuccess}
	}
}

// cleanup performs the periodic fingerprint hygiene pass: full wipe on the
// extraction browser, light clean on the discovery session, and a page-local
// storage clear on the triggering tab. Failures are logged, never fatal.
func (p *Pool) cleanup(ctx context.Context, tab Tab) {
	if err := p.browser.ClearData(ctx); err != nil {
		p.logger.Warn("browser data wipe failed", zap.Error(err))
	}
	if p.discovery != nil {
		if err := p.discovery.Clean(ctx); err != nil {
			p.logger.Warn("discovery session clean failed", zap.Error(err))
		}
	}
	if err := tab.ClearPageState(ctx); err != nil {
		p.logger.Warn("tab storage clear failed", zap.Error(err))
	}
	p.logger.Debug("periodic cleanup complete", zap.Int64("items_completed", p.completed.Load()))
}

// restart tears the extraction browser down and brings it back with a clean
// profile and a fresh tab per worker, then clears the restart flag so
// draining resumes on the same queue.
func (p *Pool) restart(ctx context.Context, attempt int, old []Tab) ([]Tab, error) {
	p.logger.Info("restarting extraction browser",
		zap.Int("attempt", attempt), zap.Int("max", p.cfg.MaxRestarts))
	metrics.ObserveRestart()

	closeTabs(old, p.logger)
	if err := sleepCtx(ctx, time.Duration(attempt)*p.cfg.RestartBackoff); err != nil {
		return nil, err
	}
	if err := p.browser.Relaunch(ctx); err != nil {
		return nil, fmt.Errorf("relaunch browser: %w", errors.Join(ErrBrowserGone, err))
	}
	tabs, err := p.openTabs(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.browser.ClearData(ctx); err != nil {
		p.logger.Warn("post-relaunch data wipe failed", zap.Error(err))
	}
	p.restartNeeded.Store(false)
	return tabs, nil
}

func (p *Pool) openTabs(ctx context.Context) ([]Tab, error) {
	tabs := make([]Tab, 0, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		tab, err := p.browser.NewTab(ctx)
		if err != nil {
			closeTabs(tabs, p.logger)
			return nil, fmt.Errorf("open tab %d: %w", i, errors.Join(ErrBrowserGone, err))
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

// CleanBrowser runs a full data wipe on the extraction browser, used by the
// scheduler between batches.
func (p *Pool) CleanBrowser(ctx context.Context) error {
	return p.browser.ClearData(ctx)
}

func (p *Pool) cancelled() bool {
	return p.shouldCancel != nil && p.shouldCancel()
}

func (p *Pool) aborted() bool {
	return p.detector != nil && p.detector.ShouldAbort()
}

func closeTabs(tabs []Tab, logger *zap.Logger) {
	for _, t := range tabs {
		if err := t.Close(); err != nil {
			logger.Warn("tab close failed", zap.Error(err))
		}
	}
}
