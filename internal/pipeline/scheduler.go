package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tbellam/mapextract/internal/metrics"
	"github.com/tbellam/mapextract/internal/store"
)

// Phase labels the two stages reported through OnProgress.
type Phase string

// Progress phases.
const (
	PhaseDiscovering Phase = "discovering"
	PhaseExtracting  Phase = "extracting"
)

// Progress is a point-in-time snapshot for one term.
type Progress struct {
	Term           string
	Phase          Phase
	Fraction       float64
	LinksFound     int
	ExtractedCount int
}

// TermCompletion reports a finished term. Err is non-nil when the term
// failed; Results then holds whatever was extracted before the failure.
type TermCompletion struct {
	Term    string
	Count   int
	Results []Record
	Err     error
}

// Callbacks let the embedding host observe the run. Any field may be nil.
// ShouldCancel is the advisory cancellation flag, polled before each batch,
// at the top of each worker iteration, and before dequeuing.
type Callbacks struct {
	OnTermStart    func(term string)
	OnProgress     func(Progress)
	OnTermComplete func(TermCompletion)
	ShouldCancel   func() bool
}

// TermEvent is published once per persisted term.
type TermEvent struct {
	RunID       string    `json:"run_id"`
	Term        string    `json:"term"`
	Count       int       `json:"count"`
	ResultPath  string    `json:"result_path"`
	CompletedAt time.Time `json:"completed_at"`
}

// CompletionPublisher pushes per-term completion events to an external
// notification layer (Pub/Sub or similar).
type CompletionPublisher interface {
	TermCompleted(ctx context.Context, ev TermEvent) error
}

// ArtifactStore uploads finished per-term files to durable remote storage.
type ArtifactStore interface {
	Save(ctx context.Context, objectName string, data []byte) error
}

// SchedulerConfig tunes batching and prefetch.
type SchedulerConfig struct {
	// LinkWorkers is the number of concurrent discovery sessions; it also
	// sets the batch size (one term per link worker per batch).
	LinkWorkers int
	// Prefetch overlaps the next term's discovery with the current term's
	// extraction. Only engaged with a single link worker; multi-worker
	// batches already overlap discovery and extraction.
	Prefetch bool
	// BatchDelay is the fixed pause between batches.
	BatchDelay time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.LinkWorkers <= 0 {
		c.LinkWorkers = 1
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 2 * time.Second
	}
}

// Scheduler is the top-level driver: it partitions terms into batches, runs
// discovery and extraction concurrently, persists per-term output
// atomically, tracks resumable progress, and honors cancellation.
type Scheduler struct {
	cfg         SchedulerConfig
	discoverers []*Discoverer
	pool        *Pool
	detector    *Detector
	sink        *store.ResultSink
	checkpoint  *store.Checkpoint
	events      CompletionPublisher
	artifacts   ArtifactStore
	cb          Callbacks
	logger      *zap.Logger
	runID       string

	reported map[string]struct{}
}

// NewScheduler wires the run. discoverers must have at least
// cfg.LinkWorkers entries; events and artifacts may be nil.
func NewScheduler(
	cfg SchedulerConfig,
	discoverers []*Discoverer,
	pool *Pool,
	detector *Detector,
	sink *store.ResultSink,
	checkpoint *store.Checkpoint,
	events CompletionPublisher,
	artifacts ArtifactStore,
	cb Callbacks,
	runID string,
	logger *zap.Logger,
) (*Scheduler, error) {
	cfg.applyDefaults()
	if len(discoverers) < cfg.LinkWorkers {
		return nil, fmt.Errorf("need %d discovery sessions, have %d", cfg.LinkWorkers, len(discoverers))
	}
	if pool == nil || detector == nil || sink == nil || checkpoint == nil {
		return nil, errors.New("pool, detector, sink, and checkpoint are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// The advisory cancellation flag reaches inside a running batch through
	// the pool's worker loops, not just the batch boundaries.
	if pool.shouldCancel == nil {
		pool.shouldCancel = cb.ShouldCancel
	}
	if pool.detector == nil {
		pool.detector = detector
	}
	for _, d := range discoverers {
		if d.detector == nil {
			d.detector = detector
		}
	}
	return &Scheduler{
		cfg:         cfg,
		discoverers: discoverers,
		pool:        pool,
		detector:    detector,
		sink:        sink,
		checkpoint:  checkpoint,
		events:      events,
		artifacts:   artifacts,
		cb:          cb,
		logger:      logger,
		runID:       runID,
		reported:    make(map[string]struct{}),
	}, nil
}

// Run processes every term not already marked complete by the checkpoint and
// returns the per-term results. A per-term failure is isolated: its partial
// status log is flushed and the run continues. Only a dead browser, the
// run-wide detection breaker, or cancellation end the run early, and even
// then every started term gets a completion callback.
func (s *Scheduler) Run(ctx context.Context, terms []string) (map[string][]Record, error) {
	results := make(map[string][]Record, len(terms))

	remaining := make([]string, 0, len(terms))
	for _, term := range terms {
		if s.checkpoint.IsComplete(term) {
			s.logger.Info("term already complete, skipping", zap.String("term", term))
			continue
		}
		remaining = append(remaining, term)
	}
	if len(remaining) == 0 {
		s.logger.Info("nothing to do, all terms complete")
		return results, s.checkpoint.Clear()
	}

	batches := partition(remaining, s.cfg.LinkWorkers)
	prefetched := make(map[string][]WorkItem)
	anyFailed := false

	s.logger.Info("run starting",
		zap.String("run_id", s.runID),
		zap.Int("terms", len(remaining)),
		zap.Int("batches", len(batches)),
		zap.Int("link_workers", s.cfg.LinkWorkers),
	)

	for bi, batch := range batches {
		if err := s.checkCancel(ctx); err != nil {
			return results, err
		}
		if s.detector.ShouldAbort() {
			s.logger.Error("detection limit reached, aborting run",
				zap.Int("detections", s.detector.Count()))
			return results, ErrDetectionLimit
		}

		acc, discErrs, poolErr := s.runBatch(ctx, bi, batch, batches, prefetched)

		for _, term := range batch {
			failed := s.finishTerm(ctx, term, acc, discErrs[term], results)
			anyFailed = anyFailed || failed
		}

		if poolErr != nil && errors.Is(poolErr, ErrBrowserGone) {
			// No meaningful recovery mid-run without a browser.
			return results, poolErr
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if s.cancelRequested() {
			return results, ErrCancelled
		}
		if s.detector.ShouldAbort() {
			s.logger.Error("detection limit reached, aborting run",
				zap.Int("detections", s.detector.Count()))
			return results, ErrDetectionLimit
		}

		if bi+1 < len(batches) {
			s.interBatchCleanup(ctx)
			if err := sleepCtx(ctx, s.cfg.BatchDelay); err != nil {
				return results, err
			}
		}
	}

	if !anyFailed {
		if err := s.checkpoint.Clear(); err != nil {
			s.logger.Warn("checkpoint clear failed", zap.Error(err))
		}
	}
	s.logger.Info("run finished",
		zap.String("run_id", s.runID),
		zap.Int("terms", len(remaining)),
		zap.Bool("partial", anyFailed),
	)
	return results, nil
}

// runBatch discovers the batch's terms into one shared queue while the pool
// drains it, optionally prefetching the next batch's term. It returns the
// accumulated per-term results and any per-term discovery errors.
func (s *Scheduler) runBatch(
	ctx context.Context,
	bi int,
	batch []string,
	batches [][]string,
	prefetched map[string][]WorkItem,
) (*batchAccumulator, map[string]error, error) {
	q := NewItemQueue()
	acc := newBatchAccumulator(batch)
	resultsCh := make(chan ItemResult, 64)

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for r := range resultsCh {
			acc.add(r)
			s.emitProgress(r.Item.Term, PhaseExtracting, acc)
		}
	}()

	poolDone := make(chan error, 1)
	go func() {
		poolDone <- s.pool.Drain(ctx, q, resultsCh)
	}()

	discErrs := make(map[string]error, len(batch))
	var discMu sync.Mutex
	var discWG sync.WaitGroup
	for i, term := range batch {
		discWG.Add(1)
		go func(i int, term string) {
			defer discWG.Done()
			if s.cb.OnTermStart != nil {
				s.cb.OnTermStart(term)
			}
			if items, ok := prefetched[term]; ok {
				delete(prefetched, term)
				acc.links(term, len(items))
				metrics.ObserveLinks(term, len(items))
				q.Enqueue(items...)
				s.logger.Info("using prefetched links",
					zap.String("term", term), zap.Int("links", len(items)))
				return
			}
			total, err := s.discoverers[i].StreamLinks(ctx, term, func(fresh []WorkItem) {
				acc.links(term, len(fresh))
				metrics.ObserveLinks(term, len(fresh))
				q.Enqueue(fresh...)
				s.emitProgress(term, PhaseDiscovering, acc)
			})
			if err != nil && ctx.Err() == nil {
				discMu.Lock()
				discErrs[term] = err
				discMu.Unlock()
			}
			s.logger.Info("discovery finished",
				zap.String("term", term), zap.Int("links", total), zap.Error(err))
		}(i, term)
	}
	discWG.Wait()
	q.FinishProducing()

	var prefetchWG sync.WaitGroup
	if s.cfg.Prefetch && s.cfg.LinkWorkers == 1 && bi+1 < len(batches) {
		next := batches[bi+1][0]
		prefetchWG.Add(1)
		go func() {
			defer prefetchWG.Done()
			var buf []WorkItem
			total, err := s.discoverers[0].StreamLinks(ctx, next, func(fresh []WorkItem) {
				buf = append(buf, fresh...)
			})
			if err != nil {
				s.logger.Warn("prefetch discovery failed, will rediscover",
					zap.String("term", next), zap.Error(err))
				return
			}
			prefetched[next] = buf
			s.logger.Info("prefetched next term",
				zap.String("term", next), zap.Int("links", total))
		}()
	}

	poolErr := <-poolDone
	if poolErr != nil && ctx.Err() == nil {
		s.logger.Error("worker pool stopped early", zap.Error(poolErr))
		discMu.Lock()
		for _, term := range batch {
			if _, ok := discErrs[term]; !ok {
				discErrs[term] = poolErr
			}
		}
		discMu.Unlock()
	}
	close(resultsCh)
	<-collectorDone
	prefetchWG.Wait()

	// A cancelled batch flushes status logs but must not mark its terms
	// complete. The same holds for a batch ended by the detection breaker:
	// a resume retries its terms.
	if ctx.Err() != nil || s.cancelRequested() {
		for _, term := range batch {
			if _, ok := discErrs[term]; !ok {
				discErrs[term] = ErrCancelled
			}
		}
	} else if s.detector.ShouldAbort() {
		for _, term := range batch {
			if _, ok := discErrs[term]; !ok {
				discErrs[term] = ErrDetectionLimit
			}
		}
	}

	return acc, discErrs, poolErr
}

// finishTerm persists one term's output, updates the checkpoint, publishes
// the completion event, and reports through the callback exactly once.
// Returns true when the term failed.
func (s *Scheduler) finishTerm(
	ctx context.Context,
	term string,
	acc *batchAccumulator,
	termErr error,
	results map[string][]Record,
) bool {
	recs := acc.records(term)
	results[term] = recs

	// The status log is flushed even for failed terms so the audit trail
	// of everything attempted survives.
	if err := s.sink.WriteStatusLog(term, acc.statusEntries(term)); err != nil {
		s.logger.Warn("status log write failed", zap.String("term", term), zap.Error(err))
	}

	if termErr != nil {
		s.logger.Error("term failed", zap.String("term", term), zap.Error(termErr))
		metrics.ObserveTerm("failed")
		s.reportCompletion(TermCompletion{Term: term, Count: len(recs), Results: recs, Err: termErr})
		return true
	}

	path, err := s.sink.WriteResults(term, recs)
	if err != nil {
		// A persistence failure never aborts the run; the in-memory
		// results are still reported to the caller.
		s.logger.Error("result write failed", zap.String("term", term), zap.Error(err))
		metrics.ObserveTerm("failed")
		s.reportCompletion(TermCompletion{Term: term, Count: len(recs), Results: recs, Err: err})
		return true
	}

	if err := s.checkpoint.MarkComplete(term); err != nil {
		s.logger.Warn("checkpoint update failed", zap.String("term", term), zap.Error(err))
	}
	s.uploadArtifacts(ctx, term)
	if s.events != nil {
		ev := TermEvent{
			RunID:       s.runID,
			Term:        term,
			Count:       len(recs),
			ResultPath:  path,
			CompletedAt: time.Now().UTC(),
		}
		if err := s.events.TermCompleted(ctx, ev); err != nil {
			s.logger.Warn("completion event publish failed", zap.String("term", term), zap.Error(err))
		}
	}

	metrics.ObserveTerm("persisted")
	s.logger.Info("term persisted",
		zap.String("term", term),
		zap.Int("results", len(recs)),
		zap.String("path", path),
	)
	s.reportCompletion(TermCompletion{Term: term, Count: len(recs), Results: recs})
	return false
}

// uploadArtifacts mirrors the finished local files to remote storage.
// Upload failure is a logged persistence error, never fatal.
func (s *Scheduler) uploadArtifacts(ctx context.Context, term string) {
	if s.artifacts == nil {
		return
	}
	for _, path := range []string{s.sink.ResultsPath(term), s.sink.StatusPath(term)} {
		data, err := readLocalArtifact(path)
		if err != nil {
			s.logger.Warn("artifact read failed", zap.String("path", path), zap.Error(err))
			continue
		}
		object := fmt.Sprintf("%s/%s", s.runID, store.Slug(term)+suffixOf(path))
		if err := s.artifacts.Save(ctx, object, data); err != nil {
			s.logger.Warn("artifact upload failed", zap.String("object", object), zap.Error(err))
		}
	}
}

// reportCompletion invokes OnTermComplete at most once per term.
func (s *Scheduler) reportCompletion(tc TermCompletion) {
	if _, ok := s.reported[tc.Term]; ok {
		return
	}
	s.reported[tc.Term] = struct{}{}
	if s.cb.OnTermComplete != nil {
		s.cb.OnTermComplete(tc)
	}
}

func (s *Scheduler) emitProgress(term string, phase Phase, acc *batchAccumulator) {
	if s.cb.OnProgress == nil {
		return
	}
	found, extracted := acc.counts(term)
	fraction := 0.0
	if found > 0 {
		fraction = float64(extracted) / float64(found)
	}
	s.cb.OnProgress(Progress{
		Term:           term,
		Phase:          phase,
		Fraction:       fraction,
		LinksFound:     found,
		ExtractedCount: extracted,
	})
}

// interBatchCleanup runs the hygiene pass on both browser sessions.
func (s *Scheduler) interBatchCleanup(ctx context.Context) {
	for _, d := range s.discoverers[:s.cfg.LinkWorkers] {
		if err := d.Session().Clean(ctx); err != nil {
			s.logger.Warn("discovery session clean failed", zap.Error(err))
		}
	}
	if err := s.pool.CleanBrowser(ctx); err != nil {
		s.logger.Warn("extraction browser clean failed", zap.Error(err))
	}
}

func (s *Scheduler) cancelRequested() bool {
	return s.cb.ShouldCancel != nil && s.cb.ShouldCancel()
}

func (s *Scheduler) checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cancelRequested() {
		return ErrCancelled
	}
	return nil
}

func readLocalArtifact(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func suffixOf(path string) string {
	if strings.HasSuffix(path, ".status.json") {
		return ".status.json"
	}
	return ".json"
}

func partition(terms []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(terms); start += size {
		end := start + size
		if end > len(terms) {
			end = len(terms)
		}
		out = append(out, terms[start:end])
	}
	return out
}

// batchAccumulator gathers per-term results and status entries from the
// collector goroutine. Link counters are atomics because discovery and the
// collector observe them concurrently; everything else is written by the
// collector alone and read only after it finishes.
type batchAccumulator struct {
	mu        sync.Mutex
	recs      map[string][]Record
	status    map[string][]store.StatusEntry
	extracted map[string]*atomic.Int64
	found     map[string]*atomic.Int64
}

func newBatchAccumulator(batch []string) *batchAccumulator {
	acc := &batchAccumulator{
		recs:      make(map[string][]Record, len(batch)),
		status:    make(map[string][]store.StatusEntry, len(batch)),
		extracted: make(map[string]*atomic.Int64, len(batch)),
		found:     make(map[string]*atomic.Int64, len(batch)),
	}
	for _, term := range batch {
		acc.extracted[term] = &atomic.Int64{}
		acc.found[term] = &atomic.Int64{}
	}
	return acc
}

func (a *batchAccumulator) add(r ItemResult) {
	a.mu.Lock()
	if r.Outcome.Status == StatusSuccess && r.Record != nil {
		a.recs[r.Item.Term] = append(a.recs[r.Item.Term], r.Record)
	}
	entry := store.StatusEntry{
		URL:    r.Item.URL,
		Status: string(r.Outcome.Status),
		Reason: r.Outcome.Reason,
	}
	a.status[r.Item.Term] = append(a.status[r.Item.Term], entry)
	a.mu.Unlock()
	if c, ok := a.extracted[r.Item.Term]; ok {
		c.Add(1)
	}
}

func (a *batchAccumulator) links(term string, n int) {
	if c, ok := a.found[term]; ok {
		c.Add(int64(n))
	}
}

func (a *batchAccumulator) counts(term string) (found, extracted int) {
	if c, ok := a.found[term]; ok {
		found = int(c.Load())
	}
	if c, ok := a.extracted[term]; ok {
		extracted = int(c.Load())
	}
	return found, extracted
}

func (a *batchAccumulator) records(term string) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recs[term]
}

func (a *batchAccumulator) statusEntries(term string) []store.StatusEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status[term]
}
