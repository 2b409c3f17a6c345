// Package types defines the core domain model shared by the batch engine:
// work items, their lifecycle state, artifacts and progress snapshots.
package types

import (
	"time"
)

// ItemID is the opaque, stable identity of a work item.
// It is assigned once at enqueue time and never derived from position.
type ItemID string

// ItemState is the lifecycle state of a work item.
type ItemState string

const (
	StatePending   ItemState = "pending"   // enqueued, not yet resolved (or never dispatched)
	StateSucceeded ItemState = "succeeded" // remote call returned at least one artifact
	StateFailed    ItemState = "failed"    // transport error, unsuccessful or empty response
)

// Terminal reports whether the state is one of the one-shot end states.
func (s ItemState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Artifact is the result reference of a succeeded item plus echoed metadata.
type Artifact struct {
	Reference  string   `json:"reference"`            // first artifact location
	References []string `json:"references,omitempty"` // every location returned by the call
	Prompt     string   `json:"prompt,omitempty"`     // prompt as echoed by the remote service
}

// WorkItem is one prompt inside a batch run.
type WorkItem struct {
	ID       ItemID    `json:"id"`
	Sequence int       `json:"sequence"` // 1-based input position, display and naming only
	Prompt   string    `json:"prompt"`
	State    ItemState `json:"state"`
	Result   *Artifact `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`

	DispatchedAt int64 `json:"dispatched_at,omitempty"` // Unix ms
	ResolvedAt   int64 `json:"resolved_at,omitempty"`   // Unix ms
}

// Progress is an incremental progress snapshot.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Done reports whether every item has been counted.
func (p Progress) Done() bool {
	return p.Completed >= p.Total
}

// GenerateOptions are the per-run options forwarded with every generation call.
type GenerateOptions struct {
	AspectRatio string `json:"aspect_ratio" yaml:"aspect_ratio" validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4"`
	Provider    string `json:"provider" yaml:"provider" validate:"omitempty,oneof=1.5-Fast 1.5-Pro"`
	Count       int    `json:"n" yaml:"count" validate:"gte=0,lte=4"`
}

// Default generation options.
const (
	DefaultAspectRatio = "16:9"
	DefaultProvider    = "1.5-Fast"
	DefaultCount       = 1
)

// AspectRatios and Providers list the values accepted by the generation service.
var (
	AspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4"}
	Providers    = []string{"1.5-Fast", "1.5-Pro"}
)

// WithDefaults fills zero fields with the service defaults.
func (o GenerateOptions) WithDefaults() GenerateOptions {
	if o.AspectRatio == "" {
		o.AspectRatio = DefaultAspectRatio
	}
	if o.Provider == "" {
		o.Provider = DefaultProvider
	}
	if o.Count <= 0 {
		o.Count = DefaultCount
	}
	return o
}

// GenerateResponse is what the generation service returned for one prompt.
// A transport failure is reported as an error alongside a nil response instead.
type GenerateResponse struct {
	StatusCode int      `json:"-"`
	Success    bool     `json:"success"`
	ImageURLs  []string `json:"image_urls"`
	Prompt     string   `json:"prompt"`
	Error      string   `json:"error,omitempty"`
}

// OK reports whether the call succeeded and produced at least one artifact.
func (r *GenerateResponse) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300 && r.Success && len(r.ImageURLs) > 0
}

// FetchResponse holds the raw bytes of an artifact fetch.
type FetchResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK reports whether the fetch completed with a 2xx status.
func (r *FetchResponse) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// RunSnapshot is the persisted manifest of a finished (or cancelled) batch run.
type RunSnapshot struct {
	RunID      string          `json:"run_id"`
	Options    GenerateOptions `json:"options"`
	WindowSize int             `json:"window_size"`
	Items      []WorkItem      `json:"items"`
	Progress   Progress        `json:"progress"`
	Cancelled  bool            `json:"cancelled"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	JournalSeq uint64          `json:"journal_seq"` // last journal event included
	SchemaVer  int             `json:"schema_ver"`
}
