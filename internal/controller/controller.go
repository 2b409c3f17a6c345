// ============================================================================
// Run Controller - coordinates one batch run at a time
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// Architecture:
//   The controller wires the engine together for callers (CLI, HTTP):
//   - Tracker:   per-item lifecycle state of the current run
//   - Scheduler: windowed dispatch with a cancellation token
//   - Journal:   append-only log of run and item events
//   - Manifest:  atomic JSON snapshot of the run (start and finish)
//   - Bundle:    archive of the succeeded items
//
// Run lifecycle:
//   StartRun → manifest (all Pending) → scheduler goroutine → RESOLVE events
//   → manifest (final) → RUN_END. Starting a new run replaces a finished
//   one; a run still in progress must be stopped first.
//
// Crash recovery:
//   Recover() loads the manifest, then replays RESOLVE events written after
//   it. Items the crash left Pending can be dispatched again with Resume().
//
// Concurrency:
//   - c.mu guards the current run pointer
//   - tracker mutations happen on the scheduler goroutine only
//   - readers snapshot the tracker concurrently
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/prompt-batch/internal/bundle"
	"github.com/ChuLiYu/prompt-batch/internal/imagegen"
	"github.com/ChuLiYu/prompt-batch/internal/journal"
	"github.com/ChuLiYu/prompt-batch/internal/metrics"
	"github.com/ChuLiYu/prompt-batch/internal/retry"
	"github.com/ChuLiYu/prompt-batch/internal/scheduler"
	"github.com/ChuLiYu/prompt-batch/internal/snapshot"
	"github.com/ChuLiYu/prompt-batch/internal/tracker"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

var (
	// ErrRunInProgress is returned when a run is still dispatching
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNoRun is returned when there is no current or persisted run
	ErrNoRun = errors.New("no run available")
	// ErrNothingToResume is returned when the current run has no Pending items
	ErrNothingToResume = errors.New("run has no pending items")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("controller closed")
)

// ============================================================================
// Data structures
// ============================================================================

// Config Controller configuration
type Config struct {
	WindowSize   int                   // generation window size
	ItemTimeout  time.Duration         // per-item dispatch deadline
	Mode         scheduler.Mode        // progress granularity
	Options      types.GenerateOptions // default generation options
	Retry        retry.Policy          // transport retry for generation calls
	Bundle       bundle.Config         // bundling pipeline configuration
	JournalPath  string                // empty disables the journal
	ManifestPath string                // empty disables the manifest
	SyncJournal  bool                  // fsync on every journal append
	KeepBackups  int                   // rotated journals and manifests kept, 0 for the default
	Logger       *slog.Logger          // nil uses slog.Default()
}

// RunRequest starts a run
type RunRequest struct {
	Prompts    string                `json:"prompts" validate:"required"`
	WindowSize int                   `json:"window_size" validate:"gte=0"`
	Options    types.GenerateOptions `json:"options"`

	// OnProgress observes progress; called from the run goroutine.
	OnProgress func(types.Progress) `json:"-"`
}

// RunState is the coarse state of a run
type RunState string

const (
	RunRunning     RunState = "running"
	RunCompleted   RunState = "completed"
	RunCancelled   RunState = "cancelled"
	RunInterrupted RunState = "interrupted" // recovered with Pending items left
	RunFailed      RunState = "failed"
)

// RunStatus is a point-in-time view of a run
type RunStatus struct {
	RunID      string                `json:"run_id"`
	State      RunState              `json:"state"`
	Options    types.GenerateOptions `json:"options"`
	WindowSize int                   `json:"window_size"`
	Progress   types.Progress        `json:"progress"`
	Stats      map[string]int        `json:"stats"`
	Items      []types.WorkItem      `json:"items"`
	Report     *scheduler.Report     `json:"report,omitempty"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// run is one batch run owned by the controller
type run struct {
	id         string
	options    types.GenerateOptions
	windowSize int
	tracker    *tracker.Tracker
	token      *scheduler.Token
	startedAt  time.Time
	done       chan struct{}

	mu         sync.Mutex
	state      RunState
	report     *scheduler.Report
	err        error
	finishedAt time.Time
}

func (r *run) status(withItems bool) RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RunStatus{
		RunID:      r.id,
		State:      r.state,
		Options:    r.options,
		WindowSize: r.windowSize,
		Progress:   r.tracker.Progress(),
		Stats:      r.tracker.Stats(),
		Report:     r.report,
		StartedAt:  r.startedAt,
	}
	if withItems {
		st.Items = r.tracker.Items()
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		st.FinishedAt = &t
	}
	return st
}

func (r *run) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == RunRunning
}

// Controller coordinates runs
type Controller struct {
	mu       sync.Mutex
	config   Config
	gen      imagegen.Generator
	fetcher  bundle.Fetcher
	journal  *journal.Journal
	manifest *snapshot.Manager
	metrics  *metrics.Collector
	current  *run
	closed   bool
	wg       sync.WaitGroup
	log      *slog.Logger
}

// ============================================================================
// Construction
// ============================================================================

// NewController creates a controller.
//
// Parameters:
//   - config: controller configuration
//   - gen: remote generation operation
//   - fetcher: artifact fetcher used for bundling
//   - m: metrics collector, may be nil
//
// Returns:
//   - *Controller
//   - error: the journal could not be opened
func NewController(config Config, gen imagegen.Generator, fetcher bundle.Fetcher, m *metrics.Collector) (*Controller, error) {
	if config.WindowSize < 1 {
		return nil, scheduler.ErrInvalidWindowSize
	}

	c := &Controller{
		config:  config,
		gen:     gen,
		fetcher: fetcher,
		metrics: m,
		log:     config.Logger,
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	if config.JournalPath != "" {
		j, err := journal.Open(config.JournalPath, config.SyncJournal)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		j.SetRetention(config.KeepBackups)
		c.journal = j
	}
	if config.ManifestPath != "" {
		c.manifest = snapshot.NewManager(config.ManifestPath)
		c.manifest.SetRetention(config.KeepBackups)
	}

	return c, nil
}

// ============================================================================
// Runs
// ============================================================================

// StartRun splits the prompts and dispatches them in the background.
//
// A finished run is replaced. A run still dispatching yields
// ErrRunInProgress. Empty input yields tracker.ErrEmptyInput.
func (c *Controller) StartRun(req RunRequest) (RunStatus, error) {
	windowSize := req.WindowSize
	if windowSize == 0 {
		windowSize = c.config.WindowSize
	}
	if windowSize < 1 {
		return RunStatus{}, scheduler.ErrInvalidWindowSize
	}

	tr, err := tracker.New(tracker.SplitPrompts(req.Prompts))
	if err != nil {
		return RunStatus{}, err
	}

	options := mergeOptions(c.config.Options, req.Options)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return RunStatus{}, ErrClosed
	}
	if c.current != nil && c.current.running() {
		return RunStatus{}, ErrRunInProgress
	}

	r := &run{
		id:         uuid.NewString(),
		options:    options,
		windowSize: windowSize,
		tracker:    tr,
		token:      scheduler.NewToken(context.Background()),
		startedAt:  time.Now().UTC(),
		done:       make(chan struct{}),
		state:      RunRunning,
	}

	if c.journal != nil && c.journal.LastSeq() > 0 {
		if err := c.journal.Rotate(); err != nil {
			c.log.Warn("Failed to rotate journal", "error", err)
		}
	}
	c.appendEvent(journal.RunEvent(journal.EventRunStart, r.id, fmt.Sprintf("items=%d window=%d", tr.Len(), windowSize)), true)
	c.writeManifest(r, true)
	c.metrics.RecordRunStarted(tr.Len())

	c.current = r
	c.launch(r, req.OnProgress)

	c.log.Info("Run started",
		"runID", r.id,
		"items", tr.Len(),
		"windowSize", windowSize)

	return r.status(false), nil
}

// Generate runs a batch to completion. Cancelling ctx cancels the run.
func (c *Controller) Generate(ctx context.Context, req RunRequest) (RunStatus, error) {
	if _, err := c.StartRun(req); err != nil {
		return RunStatus{}, err
	}
	return c.Wait(ctx)
}

// Resume dispatches the Pending items of the current (recovered) run.
func (c *Controller) Resume(ctx context.Context, onProgress func(types.Progress)) (RunStatus, error) {
	c.mu.Lock()
	r := c.current
	if c.closed {
		c.mu.Unlock()
		return RunStatus{}, ErrClosed
	}
	if r == nil {
		c.mu.Unlock()
		return RunStatus{}, ErrNoRun
	}
	if r.running() {
		c.mu.Unlock()
		return RunStatus{}, ErrRunInProgress
	}
	if r.tracker.Stats()[string(types.StatePending)] == 0 {
		c.mu.Unlock()
		return RunStatus{}, ErrNothingToResume
	}

	r.mu.Lock()
	r.state = RunRunning
	r.token = scheduler.NewToken(context.Background())
	r.done = make(chan struct{})
	r.report = nil
	r.err = nil
	r.finishedAt = time.Time{}
	r.mu.Unlock()

	c.appendEvent(journal.RunEvent(journal.EventRunStart, r.id, "resume"), true)
	c.launch(r, onProgress)
	c.mu.Unlock()

	c.log.Info("Run resumed", "runID", r.id, "pending", r.tracker.Stats()[string(types.StatePending)])
	return c.Wait(ctx)
}

// launch runs the scheduler for r on its own goroutine. Caller holds c.mu.
func (c *Controller) launch(r *run, onProgress func(types.Progress)) {
	s, err := scheduler.New(scheduler.Config{
		WindowSize:  r.windowSize,
		ItemTimeout: c.config.ItemTimeout,
		Mode:        c.config.Mode,
		Logger:      c.log,
	}, r.token, c.metrics)
	if err != nil {
		c.finish(r, scheduler.Report{}, err)
		return
	}

	dispatcher := imagegen.NewDispatcher(c.gen, r.options, c.config.Retry)
	hooks := scheduler.Hooks{
		OnProgress: onProgress,
		OnWindow: func(index, size int) {
			c.appendEvent(journal.RunEvent(journal.EventWindow, r.id, fmt.Sprintf("window=%d size=%d", index+1, size)), false)
		},
		OnResolved: func(item types.WorkItem) {
			c.appendEvent(journal.ItemEvent(journal.EventResolve, r.id, item), false)
		},
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		report, err := s.Run(r.tracker, dispatcher, hooks)
		c.finish(r, report, err)
	}()
}

// finish records the outcome of r and persists it.
func (c *Controller) finish(r *run, report scheduler.Report, err error) {
	r.mu.Lock()
	token := r.token
	cancelled := report.Cancelled || (token.Cancelled() && report.Pending > 0)
	r.report = &report
	r.err = err
	r.finishedAt = time.Now().UTC()
	switch {
	case err != nil:
		r.state = RunFailed
	case cancelled:
		r.state = RunCancelled
	default:
		r.state = RunCompleted
	}
	state := r.state
	r.mu.Unlock()

	token.Release()

	c.appendEvent(journal.RunEvent(journal.EventRunEnd, r.id, string(state)), true)
	c.writeManifest(r, false)
	close(r.done)

	if err != nil {
		c.log.Error("Run failed", "runID", r.id, "error", err)
	}
}

// Wait blocks until the current run finishes. If ctx ends first, the run is
// stopped and Wait still waits for the in-flight window to resolve.
func (c *Controller) Wait(ctx context.Context) (RunStatus, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return RunStatus{}, ErrNoRun
	}

	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		c.cancel(r)
		<-done
	}
	return r.status(true), nil
}

// Stop cancels the current run. Windows not yet started are skipped and
// in-flight calls see a cancelled context.
func (c *Controller) Stop() (RunStatus, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	if r == nil {
		return RunStatus{}, ErrNoRun
	}
	if r.running() {
		c.cancel(r)
	}
	return r.status(false), nil
}

func (c *Controller) cancel(r *run) {
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()

	if !token.Cancelled() {
		c.appendEvent(journal.RunEvent(journal.EventCancel, r.id, ""), true)
		c.log.Info("Run cancellation requested", "runID", r.id)
	}
	token.Cancel()
}

// Current returns the status of the current run including its items.
func (c *Controller) Current() (RunStatus, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	if r == nil {
		return RunStatus{}, ErrNoRun
	}
	return r.status(true), nil
}

// ============================================================================
// Bundling
// ============================================================================

// Bundle archives the succeeded items of the current run. Without a
// current run the manifest is loaded first.
func (c *Controller) Bundle(ctx context.Context, onProgress func(types.Progress)) (*bundle.Result, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	if r == nil {
		if err := c.Recover(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		r = c.current
		c.mu.Unlock()
		if r == nil {
			return nil, ErrNoRun
		}
	}
	if r.running() {
		return nil, ErrRunInProgress
	}

	p := bundle.New(c.fetcher, c.config.Bundle, c.metrics, bundle.WithLogger(c.log))
	result, err := p.Run(ctx, r.tracker.Items(), onProgress)
	if err != nil {
		return nil, err
	}

	if !result.NothingToBundle {
		c.appendEvent(journal.RunEvent(journal.EventBundle, r.id,
			fmt.Sprintf("bundled=%d skipped=%d", result.Bundled, result.Skipped)), true)
	}
	return result, nil
}

// ============================================================================
// Recovery
// ============================================================================

// Recover rebuilds the last run from the manifest and the journal.
//
// Flow:
//  1. load the manifest (ErrNoRun when there is none)
//  2. replay RESOLVE events of the same run written after the manifest
//  3. install the run as current; Pending items make it "interrupted"
func (c *Controller) Recover() error {
	if c.manifest == nil || !c.manifest.Exists() {
		return ErrNoRun
	}

	start := time.Now()
	snap, err := c.manifest.Load()
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return ErrNoRun
		}
		return fmt.Errorf("failed to load manifest %s: %w", c.manifest.GetPath(), err)
	}

	tr, err := tracker.FromItems(snap.Items)
	if err != nil {
		return fmt.Errorf("failed to rebuild run: %w", err)
	}

	replayed := 0
	if c.journal != nil {
		err := c.journal.Replay(func(e journal.Event) error {
			if e.RunID != snap.RunID || e.Type != journal.EventResolve || e.Seq <= snap.JournalSeq {
				return nil
			}
			var artifact *types.Artifact
			var cause error
			if e.State == types.StateSucceeded {
				artifact = &types.Artifact{Reference: e.Reference}
			} else if e.Error != "" {
				cause = errors.New(e.Error)
			}
			if _, err := tr.Resolve(e.ItemID, e.State, artifact, cause); err == nil {
				replayed++
			}
			return nil
		})
		if err != nil {
			c.log.Warn("Journal replay stopped early", "journal", c.journal.Path(), "error", err)
		}
	}

	r := &run{
		id:         snap.RunID,
		options:    snap.Options,
		windowSize: snap.WindowSize,
		tracker:    tr,
		token:      scheduler.NewToken(context.Background()),
		startedAt:  snap.StartedAt,
		done:       make(chan struct{}),
		finishedAt: snap.FinishedAt,
	}
	close(r.done)
	r.token.Release()

	pending := tr.Stats()[string(types.StatePending)]
	switch {
	case snap.Cancelled:
		r.state = RunCancelled
	case pending > 0:
		r.state = RunInterrupted
	default:
		r.state = RunCompleted
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.running() {
		return ErrRunInProgress
	}
	c.current = r

	c.log.Info("Run recovered",
		"runID", r.id,
		"state", r.state,
		"replayed", replayed,
		"pending", pending,
		"duration", time.Since(start))
	return nil
}

// Close stops the current run, waits for it and closes the journal.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	r := c.current
	c.mu.Unlock()

	if r != nil && r.running() {
		c.cancel(r)
	}
	c.wg.Wait()

	return c.journal.Close()
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Controller) appendEvent(e journal.Event, force bool) {
	if err := c.journal.Append(e, force); err != nil {
		c.log.Warn("Failed to append journal event", "type", e.Type, "error", err)
	}
}

func (c *Controller) writeManifest(r *run, backup bool) {
	if c.manifest == nil {
		return
	}

	// journal_seq must never point past what is on disk
	if err := c.journal.Flush(); err != nil {
		c.log.Warn("Failed to flush journal", "error", err)
	}

	st := r.status(true)
	snap := types.RunSnapshot{
		RunID:      st.RunID,
		Options:    st.Options,
		WindowSize: st.WindowSize,
		Items:      st.Items,
		Progress:   st.Progress,
		Cancelled:  st.State == RunCancelled,
		StartedAt:  st.StartedAt,
		JournalSeq: c.journal.LastSeq(),
	}
	if st.FinishedAt != nil {
		snap.FinishedAt = *st.FinishedAt
	}

	write := c.manifest.Write
	if backup {
		write = c.manifest.WriteWithBackup
	}
	if err := write(snap); err != nil {
		c.log.Error("Failed to write manifest", "runID", r.id, "error", err)
	}
}

// mergeOptions overlays the non-zero request options on the defaults.
func mergeOptions(defaults, req types.GenerateOptions) types.GenerateOptions {
	out := defaults
	if s := strings.TrimSpace(req.AspectRatio); s != "" {
		out.AspectRatio = s
	}
	if s := strings.TrimSpace(req.Provider); s != "" {
		out.Provider = s
	}
	if req.Count > 0 {
		out.Count = req.Count
	}
	return out.WithDefaults()
}
