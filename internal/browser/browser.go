// Package browser manages the headless Chrome processes used by the
// pipeline: one for link discovery, one for extraction. Each Browser owns a
// chromedp exec allocator with its own profile directory and hands out
// independent tab contexts; Relaunch tears the whole process down and brings
// it back with a clean profile.
package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls browser process behavior.
type Config struct {
	Headless   bool
	UserAgent  string
	NavTimeout time.Duration
	// NavQPS throttles navigations across all tabs of this process;
	// zero disables the limiter.
	NavQPS float64
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
}

// Browser wraps one Chrome process.
type Browser struct {
	cfg    Config
	label  string
	logger *zap.Logger

	mu            sync.Mutex
	profileDir    string
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	limiter       *rate.Limiter
}

// Launch starts a Chrome process with a fresh temporary profile directory.
// label distinguishes the discovery and extraction processes in logs.
func Launch(cfg Config, label string, logger *zap.Logger) (*Browser, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{cfg: cfg, label: label, logger: logger}
	if cfg.NavQPS > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.NavQPS), 1)
	}
	if err := b.start(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Browser) start() error {
	dir, err := os.MkdirTemp("", "mapextract-"+b.label+"-*")
	if err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(b.cfg.UserAgent),
		chromedp.UserDataDir(dir),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		os.RemoveAll(dir)
		return fmt.Errorf("chromedp warmup: %w", err)
	}

	b.mu.Lock()
	b.profileDir = dir
	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.mu.Unlock()

	b.logger.Info("browser launched",
		zap.String("label", b.label),
		zap.Bool("headless", b.cfg.Headless),
		zap.String("profile", dir),
	)
	return nil
}

// NewTabContext opens a fresh tab and returns its context. The caller owns
// the cancel func; canceling it closes the tab.
func (b *Browser) NewTabContext() (context.Context, context.CancelFunc, error) {
	b.mu.Lock()
	parent := b.browserCtx
	b.mu.Unlock()
	if parent == nil {
		return nil, nil, fmt.Errorf("browser %s not running", b.label)
	}
	tabCtx, cancel := chromedp.NewContext(parent)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("open tab: %w", err)
	}
	return tabCtx, cancel, nil
}

// NavTimeout returns the per-navigation timeout.
func (b *Browser) NavTimeout() time.Duration {
	return b.cfg.NavTimeout
}

// WaitNav blocks until the navigation limiter grants a slot.
func (b *Browser) WaitNav(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("navigation rate limit: %w", err)
	}
	return nil
}

// ClearData wipes cookies and the browser cache for the whole process.
func (b *Browser) ClearData(ctx context.Context) error {
	b.mu.Lock()
	browserCtx := b.browserCtx
	b.mu.Unlock()
	if browserCtx == nil {
		return fmt.Errorf("browser %s not running", b.label)
	}
	runCtx, cancel := context.WithTimeout(browserCtx, b.cfg.NavTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx,
		network.ClearBrowserCookies(),
		network.ClearBrowserCache(),
	)
	if err != nil {
		return fmt.Errorf("clear browser data: %w", err)
	}
	b.logger.Debug("browser data cleared", zap.String("label", b.label))
	return nil
}

// Relaunch fully tears down the process, discards its profile directory, and
// starts a fresh one.
func (b *Browser) Relaunch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.teardown()
	if err := b.start(); err != nil {
		return fmt.Errorf("relaunch %s: %w", b.label, err)
	}
	return nil
}

// Close shuts the process down and removes its profile directory.
func (b *Browser) Close() error {
	b.teardown()
	return nil
}

func (b *Browser) teardown() {
	b.mu.Lock()
	browserCancel := b.browserCancel
	allocCancel := b.allocCancel
	dir := b.profileDir
	b.browserCtx = nil
	b.browserCancel = nil
	b.allocCancel = nil
	b.profileDir = ""
	b.mu.Unlock()

	if browserCancel != nil {
		browserCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			b.logger.Warn("profile dir cleanup failed",
				zap.String("dir", dir), zap.Error(err))
		}
	}
	b.logger.Info("browser closed", zap.String("label", b.label))
}

// RunTab executes chromedp actions against tabCtx under a timeout while
// honoring cancellation of the caller's ctx.
func RunTab(ctx, tabCtx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// forwardCancel propagates cancellation of parent onto cancel without tying
// the chromedp task to parent's own deadline chain.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
