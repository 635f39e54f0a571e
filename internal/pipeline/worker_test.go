package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	id      string
	missing int
}

func (r fakeRecord) Identity() string      { return r.id }
func (r fakeRecord) MissingFieldCount() int { return r.missing }

// fakeExtractionBrowser hands out tabs that delegate extraction to a
// swappable function, so tests can change behavior across relaunches.
type fakeExtractionBrowser struct {
	mu          sync.Mutex
	extract     func(item WorkItem) (Record, error)
	relaunches  int
	clears      int
	tabsOpened  int
	tabsClosed  atomic.Int64
	pageClears  atomic.Int64
	relaunchErr error
}

func (b *fakeExtractionBrowser) setExtract(fn func(item WorkItem) (Record, error)) {
	b.mu.Lock()
	b.extract = fn
	b.mu.Unlock()
}

func (b *fakeExtractionBrowser) doExtract(item WorkItem) (Record, error) {
	b.mu.Lock()
	fn := b.extract
	b.mu.Unlock()
	return fn(item)
}

func (b *fakeExtractionBrowser) NewTab(_ context.Context) (Tab, error) {
	b.mu.Lock()
	b.tabsOpened++
	b.mu.Unlock()
	return &fakeBrowserTab{owner: b}, nil
}

func (b *fakeExtractionBrowser) ClearData(_ context.Context) error {
	b.mu.Lock()
	b.clears++
	b.mu.Unlock()
	return nil
}

func (b *fakeExtractionBrowser) Relaunch(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.relaunchErr != nil {
		return b.relaunchErr
	}
	b.relaunches++
	return nil
}

func (b *fakeExtractionBrowser) Close() error { return nil }

type fakeBrowserTab struct {
	owner *fakeExtractionBrowser
}

func (t *fakeBrowserTab) Extract(_ context.Context, item WorkItem) (Record, error) {
	return t.owner.doExtract(item)
}

func (t *fakeBrowserTab) ClearPageState(_ context.Context) error {
	t.owner.pageClears.Add(1)
	return nil
}

func (t *fakeBrowserTab) Close() error {
	t.owner.tabsClosed.Add(1)
	return nil
}

func fastPoolConfig(workers int) PoolConfig {
	return PoolConfig{
		Workers:          workers,
		StaggerDelay:     time.Microsecond,
		EmptyPollDelay:   time.Millisecond,
		CleanupEvery:     1000,
		PostItemDelayMin: time.Microsecond,
		PostItemDelayMax: 2 * time.Microsecond,
		MaxRestarts:      2,
		RestartBackoff:   time.Millisecond,
		LowQualityLimit:  3,
	}
}

func fastRetry() *LinearRetryPolicy {
	return NewLinearRetryPolicy(3, time.Millisecond)
}

func queueOf(term string, urls ...string) *ItemQueue {
	q := NewItemQueue()
	for _, u := range urls {
		q.Enqueue(WorkItem{URL: u, Term: term})
	}
	q.FinishProducing()
	return q
}

func drainPool(t *testing.T, p *Pool, q *ItemQueue) (map[string]Outcome, error) {
	t.Helper()
	results := make(chan ItemResult, 256)
	err := p.Drain(context.Background(), q, results)
	close(results)
	got := make(map[string]Outcome)
	for r := range results {
		_, dup := got[r.Item.URL]
		require.False(t, dup, "item %s produced two results", r.Item.URL)
		got[r.Item.URL] = r.Outcome
	}
	return got, err
}

func TestPoolClassifiesOutcomes(t *testing.T) {
	b := &fakeExtractionBrowser{}
	b.setExtract(func(item WorkItem) (Record, error) {
		switch item.URL {
		case "ok":
			return fakeRecord{id: "Blue Bottle", missing: 1}, nil
		case "noid":
			return fakeRecord{}, nil
		case "lowq":
			return fakeRecord{id: "Sparse Cafe", missing: 4}, nil
		case "nilrec":
			return nil, nil
		default:
			return nil, errors.New("net::ERR_TIMED_OUT")
		}
	})

	p := NewPool(fastPoolConfig(2), b, nil, nil, fastRetry(), nil, nil)
	got, err := drainPool(t, p, queueOf("cafes", "ok", "noid", "lowq", "nilrec", "boom"))
	require.NoError(t, err)

	require.Equal(t, StatusSuccess, got["ok"].Status)
	require.Equal(t, StatusSkippedNoIdentity, got["noid"].Status)
	require.Equal(t, StatusSkippedLowQuality, got["lowq"].Status)
	require.Equal(t, 4, got["lowq"].Missing)
	require.Equal(t, StatusSkippedInvalid, got["nilrec"].Status)
	require.Equal(t, StatusFailed, got["boom"].Status)
	require.Contains(t, got["boom"].Reason, "ERR_TIMED_OUT")
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	b := &fakeExtractionBrowser{}
	b.setExtract(func(_ WorkItem) (Record, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("waiting for selector timed out")
		}
		return fakeRecord{id: "Third Time Deli"}, nil
	})

	p := NewPool(fastPoolConfig(1), b, nil, nil, fastRetry(), nil, nil)
	got, err := drainPool(t, p, queueOf("delis", "a"))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, got["a"].Status)
	require.Equal(t, int64(3), calls.Load())
}

func TestPoolDetectionRestartsAndResumes(t *testing.T) {
	b := &fakeExtractionBrowser{}
	var detections atomic.Int64
	b.setExtract(func(item WorkItem) (Record, error) {
		if item.URL == "trap" && detections.Add(1) == 1 {
			return nil, ErrDetected
		}
		return fakeRecord{id: "Fine Place"}, nil
	})

	p := NewPool(fastPoolConfig(1), b, nil, nil, fastRetry(), nil, nil)
	got, err := drainPool(t, p, queueOf("bars", "a", "trap", "b", "c"))
	require.NoError(t, err)

	require.Equal(t, 1, b.relaunches)
	require.Len(t, got, 4, "every dequeued item resolves exactly once")
	require.Equal(t, StatusFailed, got["trap"].Status, "the detected item fails, it is not requeued")
	for _, url := range []string{"a", "b", "c"} {
		require.Equal(t, StatusSuccess, got[url].Status, "url %s", url)
	}
}

func TestPoolRestartBudgetExhaustedAbandons(t *testing.T) {
	b := &fakeExtractionBrowser{}
	b.setExtract(func(_ WorkItem) (Record, error) {
		return nil, ErrDetected
	})

	q := queueOf("bars", "1", "2", "3", "4", "5", "6")
	p := NewPool(fastPoolConfig(1), b, nil, nil, fastRetry(), nil, nil)
	got, err := drainPool(t, p, q)
	require.NoError(t, err, "exhausting the budget abandons the batch, it does not fail the run")

	require.Equal(t, 2, b.relaunches)
	// One detection consumes one item per round: the initial round plus one
	// per allowed restart.
	require.Len(t, got, 3)
	require.Equal(t, 0, q.Len(), "abandoned items are dropped")
	require.True(t, q.Drained())
}

func TestPoolStopsWhenDetectionLimitReached(t *testing.T) {
	var extracted atomic.Int64
	b := &fakeExtractionBrowser{}
	b.setExtract(func(_ WorkItem) (Record, error) {
		extracted.Add(1)
		return fakeRecord{id: "Some Place"}, nil
	})
	detector := NewDetectorWith(nil, 1, nil)
	require.True(t, detector.Detect("https://www.google.com/sorry/", ""))
	require.True(t, detector.Detect("https://www.google.com/sorry/", ""))

	q := queueOf("bars", "1", "2", "3")
	p := NewPool(fastPoolConfig(2), b, nil, detector, fastRetry(), nil, nil)
	got, err := drainPool(t, p, q)
	require.NoError(t, err)

	require.Empty(t, got, "no extraction starts once the breaker is tripped")
	require.Zero(t, extracted.Load())
	require.True(t, q.Drained(), "remaining items are abandoned")
	require.Zero(t, b.relaunches, "a tripped breaker spends no restart budget")
}

func TestPoolBreakerTripMidDrainStopsNewWork(t *testing.T) {
	detector := NewDetectorWith(nil, 1, nil)
	var extracted atomic.Int64
	b := &fakeExtractionBrowser{}
	b.setExtract(func(item WorkItem) (Record, error) {
		extracted.Add(1)
		if item.URL == "trip" {
			detector.Detect("https://www.google.com/sorry/", "")
			detector.Detect("https://www.google.com/sorry/", "")
			return nil, ErrDetected
		}
		return fakeRecord{id: "Some Place"}, nil
	})

	q := queueOf("bars", "a", "trip", "c", "d")
	p := NewPool(fastPoolConfig(1), b, nil, detector, fastRetry(), nil, nil)
	got, err := drainPool(t, p, q)
	require.NoError(t, err)

	require.Equal(t, int64(2), extracted.Load(), "nothing dequeues after the trip")
	require.Len(t, got, 2)
	require.Equal(t, StatusFailed, got["trip"].Status)
	require.Zero(t, b.relaunches, "the breaker bypasses the restart path")
	require.True(t, q.Drained())
}

func TestPoolRelaunchFailureIsBrowserGone(t *testing.T) {
	b := &fakeExtractionBrowser{relaunchErr: errors.New("exec: chrome not found")}
	b.setExtract(func(_ WorkItem) (Record, error) {
		return nil, ErrDetected
	})

	p := NewPool(fastPoolConfig(1), b, nil, nil, fastRetry(), nil, nil)
	_, err := drainPool(t, p, queueOf("bars", "1", "2"))
	require.ErrorIs(t, err, ErrBrowserGone)
}

func TestPoolCleanupCadence(t *testing.T) {
	b := &fakeExtractionBrowser{}
	b.setExtract(func(_ WorkItem) (Record, error) {
		return fakeRecord{id: "Some Place"}, nil
	})
	feed := &fakeFeed{}

	cfg := fastPoolConfig(1)
	cfg.CleanupEvery = 2
	p := NewPool(cfg, b, feed, nil, fastRetry(), nil, nil)
	got, err := drainPool(t, p, queueOf("gyms", "1", "2", "3", "4"))
	require.NoError(t, err)
	require.Len(t, got, 4)

	require.Equal(t, 2, b.clears, "full wipe after every CleanupEvery items")
	require.Equal(t, 2, feed.cleaned, "discovery session participates in cleanup")
	require.Equal(t, int64(2), b.pageClears.Load())
}

func TestPoolStopsOnCancelFlag(t *testing.T) {
	var processed atomic.Int64
	b := &fakeExtractionBrowser{}
	b.setExtract(func(_ WorkItem) (Record, error) {
		processed.Add(1)
		return fakeRecord{id: "Some Place"}, nil
	})

	cancelAfter := func() bool { return processed.Load() >= 2 }
	p := NewPool(fastPoolConfig(1), b, nil, nil, fastRetry(), cancelAfter, nil)

	q := queueOf("bars", "1", "2", "3", "4", "5", "6", "7", "8")
	_, err := drainPool(t, p, q)
	require.NoError(t, err)
	require.Less(t, int(processed.Load()), 8, "cancellation stops the drain early")
}

func TestPoolClosesTabsOnExit(t *testing.T) {
	b := &fakeExtractionBrowser{}
	b.setExtract(func(_ WorkItem) (Record, error) {
		return fakeRecord{id: "Some Place"}, nil
	})

	p := NewPool(fastPoolConfig(2), b, nil, nil, fastRetry(), nil, nil)
	_, err := drainPool(t, p, queueOf("bars", "1", "2"))
	require.NoError(t, err)
	require.Equal(t, int64(b.tabsOpened), b.tabsClosed.Load())
}
