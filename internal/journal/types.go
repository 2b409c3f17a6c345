package journal

import "github.com/ChuLiYu/prompt-batch/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records appended for every run transition
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventRunStart EventType = "RUN_START" // Run created with its item list
	EventWindow   EventType = "WINDOW"    // Window of items dispatched
	EventResolve  EventType = "RESOLVE"   // Item reached Succeeded or Failed
	EventCancel   EventType = "CANCEL"    // Run cancelled by the caller
	EventRunEnd   EventType = "RUN_END"   // Scheduler returned
	EventBundle   EventType = "BUNDLE"    // Archive produced for the run
)

// Event represents a journal record
type Event struct {
	Seq       uint64          `json:"seq"`                 // Monotonically increasing per file
	Type      EventType       `json:"type"`                // Event type
	RunID     string          `json:"run_id"`              // Owning run
	ItemID    types.ItemID    `json:"item_id,omitempty"`   // Item, empty for run level events
	Sequence  int             `json:"sequence,omitempty"`  // 1-based display position
	State     types.ItemState `json:"state,omitempty"`     // Item state after the event
	Reference string          `json:"reference,omitempty"` // Artifact reference on success
	Error     string          `json:"error,omitempty"`     // Failure reason
	Detail    string          `json:"detail,omitempty"`    // Free text for run level events
	Timestamp int64           `json:"timestamp"`           // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`            // CRC32 checksum
}

// EventHandler processes one event during Replay
type EventHandler func(event Event) error

// ItemEvent builds an item level event from the item's current state.
func ItemEvent(t EventType, runID string, item types.WorkItem) Event {
	e := Event{
		Type:     t,
		RunID:    runID,
		ItemID:   item.ID,
		Sequence: item.Sequence,
		State:    item.State,
		Error:    item.Error,
	}
	if item.Result != nil {
		e.Reference = item.Result.Reference
	}
	return e
}

// RunEvent builds a run level event.
func RunEvent(t EventType, runID, detail string) Event {
	return Event{Type: t, RunID: runID, Detail: detail}
}
