package pipeline

import (
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tbellam/mapextract/internal/metrics"
)

// defaultSignatures are the automation-challenge markers matched against
// page URLs and rendered content, case-insensitively.
var defaultSignatures = []string{
	"/sorry/",
	"captcha",
	"recaptcha",
	"unusual traffic",
	"automated queries",
	"verify you're not a robot",
}

const defaultDetectionLimit = 3

// Detector inspects page content for automation-challenge signatures and
// keeps the run-wide detection count. It is explicit state owned by the
// scheduler and injected into the sessions that need it, not a global.
// The counter gates a coarse circuit breaker, so increments use atomics
// but callers never need a lock around Detect/ShouldAbort pairs.
type Detector struct {
	signatures []string
	limit      int
	count      atomic.Int64
	lastSeen   atomic.Int64
	logger     *zap.Logger
}

// NewDetector builds a Detector with the stock signature set and a run-wide
// limit of 3 positive detections.
func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		signatures: defaultSignatures,
		limit:      defaultDetectionLimit,
		logger:     logger,
	}
}

// NewDetectorWith overrides the signature set and detection limit. Empty
// signatures or a non-positive limit fall back to the defaults.
func NewDetectorWith(signatures []string, limit int, logger *zap.Logger) *Detector {
	d := NewDetector(logger)
	if len(signatures) > 0 {
		lowered := make([]string, 0, len(signatures))
		for _, sig := range signatures {
			sig = strings.ToLower(strings.TrimSpace(sig))
			if sig != "" {
				lowered = append(lowered, sig)
			}
		}
		if len(lowered) > 0 {
			d.signatures = lowered
		}
	}
	if limit > 0 {
		d.limit = limit
	}
	return d
}

// Detect reports whether pageURL or content matches any challenge signature.
// Every positive match increments the run-wide counter.
func (d *Detector) Detect(pageURL, content string) bool {
	lowerURL := strings.ToLower(pageURL)
	lowerContent := strings.ToLower(content)
	for _, sig := range d.signatures {
		if strings.Contains(lowerURL, sig) || strings.Contains(lowerContent, sig) {
			n := d.count.Add(1)
			d.lastSeen.Store(time.Now().UnixNano())
			metrics.ObserveDetection()
			d.logger.Warn("automation challenge detected",
				zap.String("signature", sig),
				zap.String("url", pageURL),
				zap.Int64("run_total", n),
			)
			return true
		}
	}
	return false
}

// Count returns the cumulative detection count for the run.
func (d *Detector) Count() int {
	return int(d.count.Load())
}

// ShouldAbort reports true once the cumulative count exceeds the run-wide
// limit. A single detection only fails its item; tripping this breaker means
// the caller must stop issuing new work for the whole run.
func (d *Detector) ShouldAbort() bool {
	return d.count.Load() > int64(d.limit)
}

// LastSeen returns the time of the most recent detection, or the zero time.
func (d *Detector) LastSeen() time.Time {
	n := d.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Reset clears the counter between independent runs.
func (d *Detector) Reset() {
	d.count.Store(0)
	d.lastSeen.Store(0)
}
