package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// FeedSession drives one browser session through a search result feed. The
// site-specific navigation, scrolling, and DOM access live behind this
// interface; the discovery loop only sequences them.
type FeedSession interface {
	// OpenSearch navigates the session to the result feed for term.
	OpenSearch(ctx context.Context, term string) error
	// Scroll advances the feed by one fixed large offset.
	Scroll(ctx context.Context) error
	// Links returns every item link currently present in the feed.
	Links(ctx context.Context) ([]string, error)
	// EndOfResults reports whether the feed shows its end-of-list marker.
	EndOfResults(ctx context.Context) (bool, error)
	// Clean performs a light page-local storage clean.
	Clean(ctx context.Context) error
	// Close releases the session's tab.
	Close() error
}

// DiscoveryConfig tunes the scroll loop.
type DiscoveryConfig struct {
	// IdleTimeout ends discovery after this long without a new link.
	IdleTimeout time.Duration
	// ScrollDelayMin/Max bound the randomized pause between scrolls; the
	// randomization avoids a fixed automation fingerprint.
	ScrollDelayMin time.Duration
	ScrollDelayMax time.Duration
	// SmartScroll ends discovery after MaxEmptyScrolls consecutive scrolls
	// that surface nothing new. Faster but can miss late-loading items.
	SmartScroll     bool
	MaxEmptyScrolls int
}

func (c *DiscoveryConfig) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ScrollDelayMin <= 0 {
		c.ScrollDelayMin = 1500 * time.Millisecond
	}
	if c.ScrollDelayMax < c.ScrollDelayMin {
		c.ScrollDelayMax = c.ScrollDelayMin + time.Second
	}
	if c.MaxEmptyScrolls <= 0 {
		c.MaxEmptyScrolls = 5
	}
}

// Discoverer runs the streaming link discovery stage over a FeedSession.
type Discoverer struct {
	session  FeedSession
	detector *Detector
	cfg      DiscoveryConfig
	logger   *zap.Logger
}

// NewDiscoverer binds a Discoverer to one feed session. detector may be nil
// when no run-wide breaker applies.
func NewDiscoverer(session FeedSession, detector *Detector, cfg DiscoveryConfig, logger *zap.Logger) *Discoverer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{session: session, detector: detector, cfg: cfg, logger: logger}
}

// Session exposes the underlying feed session for inter-batch cleanup.
func (d *Discoverer) Session() FeedSession {
	return d.session
}

// StreamLinks scrolls the result feed for term, streaming each batch of
// newly seen links to onBatch as it is found rather than buffering to the
// end. Transient per-scroll errors are logged and survived; only the
// termination conditions (idle timeout, end-of-results marker, the
// smart-scroll cap, or the run-wide detection breaker) end the loop.
// Returns the total distinct links found.
func (d *Discoverer) StreamLinks(ctx context.Context, term string, onBatch func([]WorkItem)) (int, error) {
	if d.aborted() {
		return 0, ErrDetectionLimit
	}
	if err := d.session.OpenSearch(ctx, term); err != nil {
		return 0, fmt.Errorf("open search for %q: %w", term, err)
	}

	seen := make(map[string]struct{})
	lastNew := time.Now()
	emptyScrolls := 0

	// The initial render often carries links before any scroll.
	n, err := d.collect(ctx, term, seen, onBatch)
	if err != nil {
		return len(seen), err
	}
	if n > 0 {
		lastNew = time.Now()
	}

	for {
		if err := ctx.Err(); err != nil {
			return len(seen), err
		}
		if d.aborted() {
			d.logger.Warn("detection limit reached, stopping discovery",
				zap.String("term", term), zap.Int("links", len(seen)))
			return len(seen), ErrDetectionLimit
		}

		if err := d.session.Scroll(ctx); err != nil {
			if ctx.Err() != nil {
				return len(seen), ctx.Err()
			}
			if errors.Is(err, ErrDetected) {
				return len(seen), err
			}
			d.logger.Warn("scroll failed, continuing",
				zap.String("term", term), zap.Error(err))
		}

		if err := sleepCtx(ctx, randomBetween(d.cfg.ScrollDelayMin, d.cfg.ScrollDelayMax)); err != nil {
			return len(seen), err
		}

		n, err := d.collect(ctx, term, seen, onBatch)
		if err != nil {
			return len(seen), err
		}
		if n > 0 {
			lastNew = time.Now()
			emptyScrolls = 0
		} else {
			emptyScrolls++
		}

		end, err := d.session.EndOfResults(ctx)
		if err != nil {
			d.logger.Warn("end-of-results check failed, continuing",
				zap.String("term", term), zap.Error(err))
		}
		switch {
		case end:
			d.logger.Info("end of results reached",
				zap.String("term", term), zap.Int("links", len(seen)))
			return len(seen), nil
		case time.Since(lastNew) > d.cfg.IdleTimeout:
			d.logger.Info("discovery idle timeout",
				zap.String("term", term), zap.Int("links", len(seen)))
			return len(seen), nil
		case d.cfg.SmartScroll && emptyScrolls >= d.cfg.MaxEmptyScrolls:
			d.logger.Info("smart scroll cutoff",
				zap.String("term", term),
				zap.Int("empty_scrolls", emptyScrolls),
				zap.Int("links", len(seen)))
			return len(seen), nil
		}
	}
}

// collect diffs the currently visible links against seen and streams any new
// ones. Query errors are transient and return zero, except a detection,
// which ends discovery for the term.
func (d *Discoverer) collect(ctx context.Context, term string, seen map[string]struct{}, onBatch func([]WorkItem)) (int, error) {
	links, err := d.session.Links(ctx)
	if err != nil {
		if errors.Is(err, ErrDetected) {
			return 0, err
		}
		d.logger.Warn("link query failed, continuing",
			zap.String("term", term), zap.Error(err))
		return 0, nil
	}
	var fresh []WorkItem
	for _, link := range links {
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		fresh = append(fresh, WorkItem{URL: link, Term: term})
	}
	if len(fresh) > 0 && onBatch != nil {
		onBatch(fresh)
	}
	return len(fresh), nil
}

func (d *Discoverer) aborted() bool {
	return d.detector != nil && d.detector.ShouldAbort()
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
