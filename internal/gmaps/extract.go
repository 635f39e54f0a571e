package gmaps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/tbellam/mapextract/internal/browser"
	"github.com/tbellam/mapextract/internal/pipeline"
)

// ExtractorBrowser adapts a managed Chrome process to the worker pool's
// browser contract. It implements pipeline.ExtractionBrowser.
type ExtractorBrowser struct {
	b        *browser.Browser
	detector *pipeline.Detector
	logger   *zap.Logger
}

// NewExtractorBrowser wraps b for place extraction.
func NewExtractorBrowser(b *browser.Browser, detector *pipeline.Detector, logger *zap.Logger) *ExtractorBrowser {
	return &ExtractorBrowser{b: b, detector: detector, logger: logger}
}

// NewTab opens a tab dedicated to one extraction worker.
func (e *ExtractorBrowser) NewTab(ctx context.Context) (pipeline.Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, tabCancel, err := e.b.NewTabContext()
	if err != nil {
		return nil, fmt.Errorf("open extraction tab: %w", err)
	}
	return &PlaceTab{
		b:         e.b,
		detector:  e.detector,
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
	}, nil
}

// ClearData wipes cookies and cache across the whole browser.
func (e *ExtractorBrowser) ClearData(ctx context.Context) error {
	return e.b.ClearData(ctx)
}

// Relaunch tears the browser down and starts it with a fresh profile.
func (e *ExtractorBrowser) Relaunch(ctx context.Context) error {
	return e.b.Relaunch(ctx)
}

// Close shuts the browser process down.
func (e *ExtractorBrowser) Close() error {
	return e.b.Close()
}

// PlaceTab extracts place data from listing pages in its own tab. It
// implements pipeline.Tab.
type PlaceTab struct {
	b         *browser.Browser
	detector  *pipeline.Detector
	tabCtx    context.Context
	tabCancel context.CancelFunc
}

// Extract navigates to the item's listing page and parses it.
func (t *PlaceTab) Extract(ctx context.Context, item pipeline.WorkItem) (pipeline.Record, error) {
	if err := t.b.WaitNav(ctx); err != nil {
		return nil, fmt.Errorf("nav budget: %w", err)
	}

	var html string
	err := browser.RunTab(ctx, t.tabCtx, t.b.NavTimeout(),
		network.Enable(),
		chromedp.Navigate(item.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render place %s: %w", item.URL, err)
	}

	if t.detector != nil && t.detector.Detect(item.URL, html) {
		return nil, pipeline.ErrDetected
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse place html: %w", err)
	}
	return parseEntry(doc, item.Term, item.URL), nil
}

// ClearPageState wipes client-side storage in the tab.
func (t *PlaceTab) ClearPageState(ctx context.Context) error {
	var ok bool
	if err := browser.RunTab(ctx, t.tabCtx, 10*time.Second,
		chromedp.Evaluate(clearStorageJS, &ok),
	); err != nil {
		return fmt.Errorf("clear tab storage: %w", err)
	}
	return nil
}

// Close releases the tab.
func (t *PlaceTab) Close() error {
	if t.tabCancel != nil {
		t.tabCancel()
		t.tabCancel = nil
	}
	return nil
}
