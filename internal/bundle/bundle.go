// ============================================================================
// Bundling Pipeline - fetch succeeded artifacts into one archive
// ============================================================================
//
// Package: internal/bundle
// File: bundle.go
//
// Flow:
//   candidates := Succeeded items with an absolute http(s) reference
//   none       → NothingToBundle, no archive is created
//   otherwise  → windows of Config.WindowSize candidates fetched in parallel
//                (independent of the generation window size)
//
// Per candidate:
//   - up to Config.Attempts fetches while the answer is not OK or empty
//   - each fetch retries transport errors under Config.Transport
//   - non-empty bytes become entry <folder>/<prefix><seq><ext>
//   - anything else is skipped; the run continues
//
// Archive errors are the only fatal ones (ErrArchive).
// ============================================================================

package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/prompt-batch/internal/metrics"
	"github.com/ChuLiYu/prompt-batch/internal/retry"
	"github.com/ChuLiYu/prompt-batch/internal/worker"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

var (
	// ErrArchive wraps failures to write or finalize the archive
	ErrArchive = errors.New("archive error")
	// ErrEmptyArtifact marks a fetch that kept returning no bytes
	ErrEmptyArtifact = errors.New("artifact is empty")
)

// Fetcher retrieves the bytes behind an artifact reference.
type Fetcher interface {
	FetchBytes(ctx context.Context, ref string) (*types.FetchResponse, error)
}

// Config configures a Pipeline
type Config struct {
	WindowSize int           `yaml:"window_size" validate:"min=1"`
	Attempts   int           `yaml:"attempts" validate:"min=1"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Transport  retry.Policy  `yaml:"transport"`
	Folder     string        `yaml:"folder"`
	Prefix     string        `yaml:"prefix"`
	Width      int           `yaml:"width" validate:"min=1"`
	Ext        string        `yaml:"ext"`
}

// DefaultConfig returns the bundling defaults: windows of 10 and a single
// retry of a bad fetch.
func DefaultConfig() Config {
	return Config{
		WindowSize: 10,
		Attempts:   2,
		RetryDelay: 0,
		Transport:  retry.DefaultPolicy,
		Folder:     "generated_images",
		Prefix:     "image",
		Width:      3,
		Ext:        ".png",
	}
}

// EntryName returns the archive path for the item with the given sequence.
func (c Config) EntryName(sequence int) string {
	name := fmt.Sprintf("%s%0*d%s", c.Prefix, c.Width, sequence, c.Ext)
	if c.Folder == "" {
		return name
	}
	return c.Folder + "/" + name
}

// Entry describes one file written to the archive.
type Entry struct {
	Name     string       `json:"name"`
	ItemID   types.ItemID `json:"item_id"`
	Sequence int          `json:"sequence"`
	Size     int          `json:"size"`
}

// Result is the outcome of a bundling run.
type Result struct {
	Archive         []byte  `json:"-"`
	Total           int     `json:"total"`
	Bundled         int     `json:"bundled"`
	Skipped         int     `json:"skipped"`
	Entries         []Entry `json:"entries"`
	NothingToBundle bool    `json:"nothing_to_bundle"`
}

// Pipeline fetches succeeded artifacts and packs them into one archive.
type Pipeline struct {
	fetcher    Fetcher
	config     Config
	newArchive ArchiveFactory
	metrics    *metrics.Collector
	log        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithArchive replaces the default zip writer.
func WithArchive(factory ArchiveFactory) Option {
	return func(p *Pipeline) {
		p.newArchive = factory
	}
}

// WithLogger sets the pipeline logger. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.log = logger
		}
	}
}

// New creates a pipeline. Zero config fields fall back to DefaultConfig.
func New(fetcher Fetcher, config Config, m *metrics.Collector, opts ...Option) *Pipeline {
	defaults := DefaultConfig()
	if config.WindowSize < 1 {
		config.WindowSize = defaults.WindowSize
	}
	if config.Attempts < 1 {
		config.Attempts = defaults.Attempts
	}
	if config.Width < 1 {
		config.Width = defaults.Width
	}
	if config.Prefix == "" && config.Ext == "" && config.Folder == "" {
		config.Folder, config.Prefix, config.Ext = defaults.Folder, defaults.Prefix, defaults.Ext
	}

	p := &Pipeline{
		fetcher: fetcher,
		config:  config,
		newArchive: func() ArchiveWriter {
			return NewZipWriter()
		},
		metrics: m,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Candidates returns the Succeeded items with a usable reference, in
// sequence order.
func Candidates(items []types.WorkItem) []types.WorkItem {
	var out []types.WorkItem
	for _, item := range items {
		if item.State != types.StateSucceeded || item.Result == nil {
			continue
		}
		if !validReference(item.Result.Reference) {
			continue
		}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func validReference(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type fetched struct {
	item types.WorkItem
	data []byte
}

// Run bundles the succeeded items.
//
// Parameters:
//   - ctx: cancels outstanding fetches; checked between windows
//   - items: every item of the run; non candidates are ignored
//   - onProgress: called after each candidate with {resolved, candidates}
//
// Returns the result, or an error wrapping ErrArchive when the archive
// could not be written.
func (p *Pipeline) Run(ctx context.Context, items []types.WorkItem, onProgress func(types.Progress)) (*Result, error) {
	candidates := Candidates(items)
	result := &Result{Total: len(candidates)}
	if len(candidates) == 0 {
		result.NothingToBundle = true
		return result, nil
	}

	archive := p.newArchive()

	pool := worker.NewPool[types.WorkItem, fetched](p.config.WindowSize, p.fetch)
	if err := pool.Start(ctx, min(p.config.WindowSize, len(candidates))); err != nil {
		return nil, fmt.Errorf("failed to start fetch pool: %w", err)
	}
	defer pool.Stop()

	resolved := 0
	for start := 0; start < len(candidates); start += p.config.WindowSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		window := candidates[start:min(start+p.config.WindowSize, len(candidates))]
		for _, item := range window {
			if err := pool.Submit(worker.Task[types.WorkItem]{ID: item.ID, Input: item}); err != nil {
				return nil, fmt.Errorf("failed to submit fetch: %w", err)
			}
		}

		ready := make([]fetched, 0, len(window))
		for range window {
			res, err := pool.ReceiveResult()
			if err != nil {
				return nil, fmt.Errorf("failed to receive fetch: %w", err)
			}

			resolved++
			if !res.Success() {
				result.Skipped++
				p.metrics.RecordBundleSkipped()
				p.log.Warn("Skipping artifact", "itemID", res.ID, "error", res.Error)
			} else {
				ready = append(ready, res.Output)
			}
			if onProgress != nil {
				onProgress(types.Progress{Completed: resolved, Total: len(candidates)})
			}
		}

		sort.Slice(ready, func(i, j int) bool { return ready[i].item.Sequence < ready[j].item.Sequence })
		for _, f := range ready {
			name := p.config.EntryName(f.item.Sequence)
			if err := archive.AddEntry(name, f.data); err != nil {
				return nil, fmt.Errorf("%w: add %s: %w", ErrArchive, name, err)
			}
			result.Bundled++
			result.Entries = append(result.Entries, Entry{
				Name:     name,
				ItemID:   f.item.ID,
				Sequence: f.item.Sequence,
				Size:     len(f.data),
			})
			p.metrics.RecordBundleEntry()
		}
	}

	data, err := archive.Finalize()
	if err != nil {
		return nil, fmt.Errorf("%w: finalize: %w", ErrArchive, err)
	}
	result.Archive = data

	p.log.Info("Bundle finished",
		"candidates", result.Total,
		"bundled", result.Bundled,
		"skipped", result.Skipped,
		"bytes", len(data))

	return result, nil
}

// fetch retrieves one candidate, retrying unusable answers.
func (p *Pipeline) fetch(ctx context.Context, item types.WorkItem) (fetched, error) {
	var attempt atomic.Int32
	resp, err := retry.Until(ctx,
		retry.Policy{MaxAttempts: p.config.Attempts, Delay: p.config.RetryDelay},
		func(ctx context.Context) (*types.FetchResponse, error) {
			if attempt.Add(1) > 1 {
				p.metrics.RecordBundleRetry()
			}
			return retry.Fetch(ctx, p.config.Transport, func(ctx context.Context) (*types.FetchResponse, error) {
				return p.fetcher.FetchBytes(ctx, item.Result.Reference)
			})
		},
		retry.Any(notOK, emptyBody),
	)
	if err != nil {
		return fetched{}, err
	}
	if !resp.OK() {
		return fetched{}, fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		return fetched{}, ErrEmptyArtifact
	}
	return fetched{item: item, data: resp.Body}, nil
}

// notOK retries transport failures and non-2xx answers.
func notOK(resp *types.FetchResponse, err error) bool {
	return err != nil || !resp.OK()
}

// emptyBody retries answers without any bytes.
func emptyBody(resp *types.FetchResponse, err error) bool {
	return resp != nil && len(resp.Body) == 0
}
