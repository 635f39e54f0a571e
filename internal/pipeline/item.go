// Package pipeline implements the extraction pipeline orchestrator: the
// shared work queue, the streaming link discovery stage, the worker pool with
// its restart controller, and the batch scheduler that drives them.
package pipeline

// WorkItem is one discovered listing reference queued for extraction. Items
// are immutable once enqueued; Term records the search term that produced
// the link so results can be separated per term after out-of-order completion.
type WorkItem struct {
	URL  string `json:"url"`
	Term string `json:"term"`
}

// Status classifies how a WorkItem resolved.
type Status string

// Every dequeued WorkItem resolves to exactly one of these.
const (
	StatusSuccess           Status = "SUCCESS"
	StatusSkippedInvalid    Status = "SKIPPED_INVALID"
	StatusSkippedNoIdentity Status = "SKIPPED_NO_IDENTITY"
	StatusSkippedLowQuality Status = "SKIPPED_LOW_QUALITY"
	StatusFailed            Status = "FAILED"
)

// Outcome is the terminal result recorded for a WorkItem in the per-term
// status log. Never mutated after being set.
type Outcome struct {
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Missing int    `json:"missing_fields,omitempty"`
}

// Record is a single extracted listing. The pipeline treats extraction as
// opaque; it only needs enough surface to classify quality.
type Record interface {
	// Identity returns the listing's primary identifying field (typically
	// the business name). Empty means the item is skipped as unidentified.
	Identity() string
	// MissingFieldCount reports how many expected fields came back as
	// "not found" markers, feeding the low-quality skip policy.
	MissingFieldCount() int
}

// ItemResult pairs a WorkItem with its outcome. Workers report these through
// a single collection channel; the scheduler is the only writer of the
// per-term result slices and status logs built from them.
type ItemResult struct {
	Item    WorkItem
	Record  Record
	Outcome Outcome
}
