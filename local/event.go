// Package local holds the in-process state that is authoritative for the UI
// and the typed stream of state transitions the synchronizer observes.
package local

import (
	"time"

	"github.com/jacentio/tillsync/remote"
)

// Kind names a local state transition.
type Kind string

// Commit points. These reach the remote store.
const (
	KindSave             Kind = "save"
	KindComplete         Kind = "complete"
	KindMarkUnsaved      Kind = "mark_unsaved"
	KindApplyDiscount    Kind = "apply_discount"
	KindRemoveDiscount   Kind = "remove_discount"
	KindCancel           Kind = "cancel"
	KindCancelEmpty      Kind = "cancel_empty"
	KindMergeGroup       Kind = "merge_group"
	KindUnmergeGroup     Kind = "unmerge_group"
	KindMergeComposite   Kind = "merge_composite"
	KindUnmergeComposite Kind = "unmerge_composite"
	KindRefreshAll       Kind = "refresh_all"
)

// Local-only transitions.
const (
	KindAddItem    Kind = "add_item"
	KindRemoveItem Kind = "remove_item"
	KindSetNote    Kind = "set_note"
	KindSelect     Kind = "select"
)

// Event is a single state transition.
type Event struct {
	Kind       Kind
	Collection string

	// ID is the record the event is about. For group events it is the target.
	ID string

	// SourceIDs are the records folded into, or restored from, a group.
	SourceIDs []string

	// Preserved carries per-source values that survive an unmerge
	// (guest counts keyed by source id).
	Preserved map[string]int

	// Payload holds event-specific data for local-only kinds.
	Payload remote.Record

	At time.Time
}

// TargetID is the group target of merge and unmerge events.
func (e Event) TargetID() string {
	return e.ID
}
