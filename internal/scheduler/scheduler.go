// ============================================================================
// Batch Scheduler - windowed, bounded-concurrency dispatch
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
//
// Algorithm:
//   1. Partition the ordered items into consecutive windows of at most
//      WindowSize items (the last one may be smaller).
//   2. Before each window, check the token. Once cancelled, stop: items of
//      unstarted windows stay Pending and are not counted.
//   3. Submit every item of the window at once. The pool has WindowSize
//      workers, so nothing is staggered.
//   4. For every result, in completion order: resolve the item by identity,
//      bump the completed count and publish progress (ModePerItem).
//   5. Only after the whole window resolved does the next one start.
//
// Failure mapping:
//   dispatcher error        → Failed
//   nil / empty artifact    → Failed (ErrEmptyResult)
//   neither is fatal for the run
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/prompt-batch/internal/metrics"
	"github.com/ChuLiYu/prompt-batch/internal/tracker"
	"github.com/ChuLiYu/prompt-batch/internal/worker"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

var (
	// ErrInvalidWindowSize is returned for a window size below one
	ErrInvalidWindowSize = errors.New("window size must be positive")
	// ErrNoItems is returned when the tracker holds no items
	ErrNoItems = errors.New("no items to schedule")
	// ErrEmptyResult marks a dispatch that returned without any artifact
	ErrEmptyResult = errors.New("dispatch returned no artifact")
)

// Mode selects how often progress is published.
type Mode string

const (
	ModePerItem   Mode = "per_item"   // after every resolved item
	ModePerWindow Mode = "per_window" // once per finished window
)

// Config configures a Scheduler
type Config struct {
	WindowSize  int           // items dispatched concurrently per window
	ItemTimeout time.Duration // per-dispatch deadline, zero for none
	Mode        Mode          // progress granularity, ModePerItem by default
	Logger      *slog.Logger  // nil resolves to slog.Default() in New
}

// Dispatcher performs the remote operation for one item.
type Dispatcher interface {
	Dispatch(ctx context.Context, item types.WorkItem) (*types.Artifact, error)
}

// Hooks observe a run. Every hook is called from the scheduler goroutine.
type Hooks struct {
	OnProgress func(types.Progress)
	OnWindow   func(index, size int)
	OnResolved func(item types.WorkItem)
}

// Report summarises a finished or cancelled run.
type Report struct {
	Windows    int           `json:"windows"`
	Dispatched int           `json:"dispatched"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Pending    int           `json:"pending"`
	Cancelled  bool          `json:"cancelled"`
	Duration   time.Duration `json:"duration"`
}

// Scheduler runs one batch of items under a concurrency ceiling.
type Scheduler struct {
	config  Config
	token   *Token
	metrics *metrics.Collector
	log     *slog.Logger
}

// New validates config and binds the cancellation token for the run.
func New(config Config, token *Token, m *metrics.Collector) (*Scheduler, error) {
	if config.WindowSize < 1 {
		return nil, ErrInvalidWindowSize
	}
	if config.Mode == "" {
		config.Mode = ModePerItem
	}
	if token == nil {
		token = NewToken(context.Background())
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{config: config, token: token, metrics: m, log: logger}, nil
}

// Window is a half-open range [Start, End) of item positions.
type Window struct {
	Start int
	End   int
}

// Size returns the number of items in the window.
func (w Window) Size() int {
	return w.End - w.Start
}

// Partition splits n items into consecutive windows of at most size items.
func Partition(n, size int) []Window {
	if n <= 0 || size < 1 {
		return nil
	}
	windows := make([]Window, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		windows = append(windows, Window{Start: start, End: min(start+size, n)})
	}
	return windows
}

// Run dispatches every Pending item of tr window by window.
//
// Already resolved items (e.g. from a reloaded manifest) are skipped. The
// returned error is structural only; per-item failures live in tr.
func (s *Scheduler) Run(tr *tracker.Tracker, d Dispatcher, hooks Hooks) (Report, error) {
	start := time.Now()
	report := Report{}

	if tr == nil || tr.Len() == 0 {
		return report, ErrNoItems
	}

	var items []types.WorkItem
	for _, item := range tr.Items() {
		if item.State == types.StatePending {
			items = append(items, item)
		}
	}

	windows := Partition(len(items), s.config.WindowSize)
	if len(windows) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	handler := func(ctx context.Context, item types.WorkItem) (*types.Artifact, error) {
		artifact, err := d.Dispatch(ctx, item)
		if err != nil {
			return nil, err
		}
		if artifact == nil || artifact.Reference == "" {
			return nil, ErrEmptyResult
		}
		return artifact, nil
	}

	pool := worker.NewPool[types.WorkItem, *types.Artifact](s.config.WindowSize, handler)
	if err := pool.Start(s.token.Context(), min(s.config.WindowSize, len(items))); err != nil {
		return report, fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	for index, w := range windows {
		if s.token.Cancelled() {
			report.Cancelled = true
			s.metrics.RecordRunCancelled()
			s.log.Info("Run cancelled before window",
				"window", index+1,
				"windows", len(windows))
			break
		}

		window := items[w.Start:w.End]
		report.Windows++
		s.metrics.RecordWindow(len(window))
		if hooks.OnWindow != nil {
			hooks.OnWindow(index, len(window))
		}

		submitted := 0
		for _, item := range window {
			if err := tr.MarkDispatched(item.ID); err != nil {
				s.log.Warn("Failed to mark dispatched", "itemID", item.ID, "error", err)
			}
			task := worker.Task[types.WorkItem]{ID: item.ID, Input: item, Timeout: s.config.ItemTimeout}
			if err := pool.Submit(task); err != nil {
				s.resolve(tr, &report, hooks, worker.Result[*types.Artifact]{ID: item.ID, Error: err})
				continue
			}
			submitted++
		}
		report.Dispatched += len(window)

		for i := 0; i < submitted; i++ {
			result, err := pool.ReceiveResult()
			if err != nil {
				return report, fmt.Errorf("failed to receive result: %w", err)
			}
			s.resolve(tr, &report, hooks, result)
		}

		if s.config.Mode == ModePerWindow && hooks.OnProgress != nil {
			hooks.OnProgress(tr.Progress())
		}
	}

	report.Pending = tr.Stats()[string(types.StatePending)]
	report.Duration = time.Since(start)

	s.log.Info("Run finished",
		"workers", pool.GetWorkerCount(),
		"windows", report.Windows,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"pending", report.Pending,
		"cancelled", report.Cancelled,
		"duration", report.Duration)

	return report, nil
}

// resolve records one result in the tracker and publishes it.
func (s *Scheduler) resolve(tr *tracker.Tracker, report *Report, hooks Hooks, result worker.Result[*types.Artifact]) {
	state := types.StateSucceeded
	if !result.Success() {
		state = types.StateFailed
	}

	progress, err := tr.Resolve(result.ID, state, result.Output, result.Error)
	if err != nil {
		s.log.Error("Failed to resolve item", "itemID", result.ID, "error", err)
		return
	}

	latency := result.Duration.Seconds()
	if state == types.StateSucceeded {
		report.Succeeded++
		s.metrics.RecordSucceeded(latency)
	} else {
		report.Failed++
		s.metrics.RecordFailed(latency)
		s.log.Debug("Item failed", "itemID", result.ID, "error", result.Error)
	}

	if hooks.OnResolved != nil {
		if item, ok := tr.Get(result.ID); ok {
			hooks.OnResolved(item)
		}
	}
	if s.config.Mode == ModePerItem && hooks.OnProgress != nil {
		hooks.OnProgress(progress)
	}
}
