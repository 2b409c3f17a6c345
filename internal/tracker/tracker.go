// ============================================================================
// Item Lifecycle Tracker - per-item state machine
// ============================================================================
//
// Package: internal/tracker
// File: tracker.go
// Purpose: Addressable, mutable state for every work item of one batch run
//
// State machine:
//   Pending
//      ↓ Resolve(id, StateSucceeded, artifact, nil)
//   Succeeded
//
//   Pending
//      ↓ Resolve(id, StateFailed, nil, err)
//   Failed
//
//   Transitions are one-shot. A resolved item never changes again.
//
// Data layout:
//   items []types.WorkItem      - pre-sized, ordered by input sequence
//   index map[ItemID]int        - identity → slot
//
//   Windows resolve out of order, so every update goes through the identity
//   index; the slice itself never grows or shrinks during a run.
//
// Concurrency:
//   sync.RWMutex guards both structures. Writers are the scheduler's result
//   loop; readers are status endpoints taking snapshots.
//
// ============================================================================

package tracker

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrEmptyInput means the prompt blob contained no usable line.
	ErrEmptyInput = errors.New("no prompts in input")
	// ErrItemNotFound means the identity is not part of this run.
	ErrItemNotFound = errors.New("item not found")
	// ErrAlreadyResolved means the item already reached a terminal state.
	ErrAlreadyResolved = errors.New("item already resolved")
	// ErrInvalidTransition means the target state is not terminal.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Tracker holds the lifecycle state of every item of a run.
type Tracker struct {
	mu    sync.RWMutex
	items []types.WorkItem
	index map[types.ItemID]int

	completed int // items resolved so far
}

// SplitPrompts turns a multi-line blob into trimmed, non-empty prompts.
func SplitPrompts(blob string) []string {
	lines := strings.Split(strings.ReplaceAll(blob, "\r\n", "\n"), "\n")

	prompts := make([]string, 0, len(lines))
	for _, line := range lines {
		if p := strings.TrimSpace(line); p != "" {
			prompts = append(prompts, p)
		}
	}
	return prompts
}

// New creates a tracker with one Pending item per prompt.
// Each item receives a fresh identity and its 1-based sequence.
//
// Returns ErrEmptyInput when prompts is empty.
func New(prompts []string) (*Tracker, error) {
	if len(prompts) == 0 {
		return nil, ErrEmptyInput
	}

	items := make([]types.WorkItem, len(prompts))
	for i, p := range prompts {
		items[i] = types.WorkItem{
			ID:       types.ItemID(uuid.New().String()),
			Sequence: i + 1,
			Prompt:   p,
			State:    types.StatePending,
		}
	}
	return FromItems(items)
}

// FromItems rebuilds a tracker from existing items, e.g. a loaded manifest.
// Items keep their identity, sequence and state.
func FromItems(items []types.WorkItem) (*Tracker, error) {
	if len(items) == 0 {
		return nil, ErrEmptyInput
	}

	t := &Tracker{
		items: make([]types.WorkItem, len(items)),
		index: make(map[types.ItemID]int, len(items)),
	}
	for i, item := range items {
		if item.State == "" {
			item.State = types.StatePending
		}
		t.items[i] = copyItem(item)
		t.index[item.ID] = i
		if item.State.Terminal() {
			t.completed++
		}
	}
	return t, nil
}

// Len returns the number of items of the run.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// MarkDispatched records the dispatch time of a Pending item.
// It does not change the state; dispatched items stay Pending until resolved.
func (t *Tracker) MarkDispatched(id types.ItemID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return ErrItemNotFound
	}
	if t.items[i].State.Terminal() {
		return ErrAlreadyResolved
	}
	t.items[i].DispatchedAt = time.Now().UnixMilli()
	return nil
}

// Resolve moves a Pending item to a terminal state.
//
// Parameters:
//   - id: item identity
//   - state: StateSucceeded or StateFailed
//   - artifact: result reference, kept only for StateSucceeded
//   - cause: failure reason, kept only for StateFailed
//
// Returns the progress after this resolution.
func (t *Tracker) Resolve(id types.ItemID, state types.ItemState, artifact *types.Artifact, cause error) (types.Progress, error) {
	if !state.Terminal() {
		return types.Progress{}, ErrInvalidTransition
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return types.Progress{}, ErrItemNotFound
	}
	item := &t.items[i]
	if item.State.Terminal() {
		return types.Progress{}, ErrAlreadyResolved
	}

	item.State = state
	item.ResolvedAt = time.Now().UnixMilli()
	switch state {
	case types.StateSucceeded:
		if artifact != nil {
			a := *artifact
			item.Result = &a
		}
	case types.StateFailed:
		if cause != nil {
			item.Error = cause.Error()
		}
	}

	t.completed++
	return types.Progress{Completed: t.completed, Total: len(t.items)}, nil
}

// Get returns a copy of one item.
func (t *Tracker) Get(id types.ItemID) (types.WorkItem, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[id]
	if !ok {
		return types.WorkItem{}, false
	}
	return copyItem(t.items[i]), true
}

// Items returns a snapshot of every item in input order.
func (t *Tracker) Items() []types.WorkItem {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.WorkItem, len(t.items))
	for i, item := range t.items {
		out[i] = copyItem(item)
	}
	return out
}

// Succeeded returns a snapshot of the succeeded items in input order.
func (t *Tracker) Succeeded() []types.WorkItem {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []types.WorkItem
	for _, item := range t.items {
		if item.State == types.StateSucceeded {
			out = append(out, copyItem(item))
		}
	}
	return out
}

// Progress returns {resolved, total}.
func (t *Tracker) Progress() types.Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return types.Progress{Completed: t.completed, Total: len(t.items)}
}

// Stats returns the item count per state.
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[string]int{
		string(types.StatePending):   0,
		string(types.StateSucceeded): 0,
		string(types.StateFailed):    0,
	}
	for _, item := range t.items {
		stats[string(item.State)]++
	}
	return stats
}

func copyItem(item types.WorkItem) types.WorkItem {
	if item.Result != nil {
		r := *item.Result
		r.References = append([]string(nil), item.Result.References...)
		item.Result = &r
	}
	return item
}
