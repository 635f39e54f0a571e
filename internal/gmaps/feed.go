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

// clearStorageJS wipes client-side storage so repeated searches in the
// same tab do not accumulate state that skews results.
const clearStorageJS = `(() => {
	try { localStorage.clear(); } catch (e) {}
	try { sessionStorage.clear(); } catch (e) {}
	return true;
})()`

// Feed drives a single Maps search result feed in a dedicated tab. It
// implements pipeline.FeedSession.
type Feed struct {
	b        *browser.Browser
	detector *pipeline.Detector
	lang     string
	logger   *zap.Logger

	tabCtx    context.Context
	tabCancel context.CancelFunc

	currentURL string
	lastHTML   string
}

// NewFeed opens a fresh tab on the browser for feed navigation.
func NewFeed(b *browser.Browser, detector *pipeline.Detector, lang string, logger *zap.Logger) (*Feed, error) {
	tabCtx, tabCancel, err := b.NewTabContext()
	if err != nil {
		return nil, fmt.Errorf("open feed tab: %w", err)
	}
	return &Feed{
		b:         b,
		detector:  detector,
		lang:      lang,
		logger:    logger,
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
	}, nil
}

// OpenSearch navigates the feed tab to the search results for term.
func (f *Feed) OpenSearch(ctx context.Context, term string) error {
	if err := f.b.WaitNav(ctx); err != nil {
		return fmt.Errorf("nav budget: %w", err)
	}
	f.currentURL = SearchURL(term, f.lang)
	err := browser.RunTab(ctx, f.tabCtx, f.b.NavTimeout(),
		network.Enable(),
		chromedp.Navigate(f.currentURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("open search %q: %w", term, err)
	}
	f.dismissConsent(ctx)
	if _, err := f.snapshot(ctx); err != nil {
		return err
	}
	return nil
}

// Scroll advances the result feed by one viewport-sized step.
func (f *Feed) Scroll(ctx context.Context) error {
	var ok bool
	if err := browser.RunTab(ctx, f.tabCtx, 10*time.Second,
		chromedp.Evaluate(scrollFeedJS(), &ok),
	); err != nil {
		return fmt.Errorf("scroll feed: %w", err)
	}
	return nil
}

// Links returns every place link currently present in the feed DOM.
func (f *Feed) Links(ctx context.Context) ([]string, error) {
	html, err := f.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse feed html: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find(placeLinkSelector).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		u := absolutePlaceURL(href)
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		links = append(links, u)
	})
	return links, nil
}

// EndOfResults reports whether the feed shows the end-of-list marker.
// It inspects the snapshot cached by the last Links call to avoid an
// extra DOM round trip per scroll iteration.
func (f *Feed) EndOfResults(ctx context.Context) (bool, error) {
	if f.lastHTML == "" {
		if _, err := f.snapshot(ctx); err != nil {
			return false, err
		}
	}
	return strings.Contains(f.lastHTML, endOfListMarker), nil
}

// Clean wipes client-side storage in the feed tab.
func (f *Feed) Clean(ctx context.Context) error {
	var ok bool
	if err := browser.RunTab(ctx, f.tabCtx, 10*time.Second,
		chromedp.Evaluate(clearStorageJS, &ok),
	); err != nil {
		return fmt.Errorf("clear feed storage: %w", err)
	}
	return nil
}

// Close releases the feed tab.
func (f *Feed) Close() error {
	if f.tabCancel != nil {
		f.tabCancel()
		f.tabCancel = nil
	}
	return nil
}

func (f *Feed) snapshot(ctx context.Context) (string, error) {
	var html string
	if err := browser.RunTab(ctx, f.tabCtx, f.b.NavTimeout(),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("feed snapshot: %w", err)
	}
	f.lastHTML = html
	if f.detector != nil && f.detector.Detect(f.currentURL, html) {
		return "", pipeline.ErrDetected
	}
	return html, nil
}

// dismissConsent clicks through the consent interstitial when the
// navigation landed on it. Best effort: failures are logged and ignored
// since most profiles never see the page.
func (f *Feed) dismissConsent(ctx context.Context) {
	var loc string
	if err := browser.RunTab(ctx, f.tabCtx, 5*time.Second, chromedp.Location(&loc)); err != nil {
		return
	}
	if !strings.Contains(loc, "consent.") {
		return
	}
	err := browser.RunTab(ctx, f.tabCtx, 15*time.Second,
		chromedp.Click(`form[action*="consent"] button`, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		f.logger.Warn("consent dismissal failed", zap.Error(err))
	}
}

// scrollFeedJS builds the script that locates the scrollable result
// panel and advances it. Falls back to the page scroller when none of
// the known feed containers are present.
func scrollFeedJS() string {
	var sb strings.Builder
	sb.WriteString("(() => {\n\tconst sels = [")
	for i, sel := range feedSelectors {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q", sel)
	}
	sb.WriteString(`];
	let el = null;
	for (const s of sels) {
		el = document.querySelector(s);
		if (el) break;
	}
	if (!el) el = document.scrollingElement;
	if (!el) return false;
	el.scrollBy(0, 2000);
	return true;
})()`)
	return sb.String()
}
