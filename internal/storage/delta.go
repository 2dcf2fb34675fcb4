// Package storage implements the per-shard MVCC store: vertex and edge
// containers, delta-chain versioning, secondary indices, the read/write
// request surface, and the online shard splitter.
package storage

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
)

// DeltaAction names the inverse operation a delta applies when a reader
// rolls an entity back to an older version.
type DeltaAction uint8

const (
	// ActionDeleteObject marks the version before the entity existed.
	// Every freshly created entity carries one at the tail of its chain.
	ActionDeleteObject DeltaAction = iota
	// ActionRecreateObject undoes a deletion.
	ActionRecreateObject
	// ActionSetProperty restores the previous value of a property.
	ActionSetProperty
	// ActionAddLabel restores a removed secondary label.
	ActionAddLabel
	// ActionRemoveLabel removes an added secondary label.
	ActionRemoveLabel
	// ActionAddInEdge restores a removed in-edge triple.
	ActionAddInEdge
	// ActionAddOutEdge restores a removed out-edge triple.
	ActionAddOutEdge
	// ActionRemoveInEdge removes an added in-edge triple.
	ActionRemoveInEdge
	// ActionRemoveOutEdge removes an added out-edge triple.
	ActionRemoveOutEdge
)

// PrevKind tags the target of a delta's prev pointer.
type PrevKind uint8

const (
	PrevNull PrevKind = iota
	PrevDelta
	PrevVertex
	PrevEdge
)

// PreviousPtr is the tagged union pointing from a delta back to either
// the entity it mutated (when the delta is the chain head) or the delta
// that superseded it.
type PreviousPtr struct {
	Kind   PrevKind
	Delta  *Delta
	Vertex *Vertex
	Edge   *Edge
}

// CommitInfo is shared between a transaction and every delta it owns.
// The commit timestamp is published before the committed flag so that
// lock-free readers observing committed == true always see a valid
// timestamp.
type CommitInfo struct {
	StartTimestamp  hlc.Hlc
	commitTimestamp hlc.Hlc
	committed       atomic.Bool
}

// NewCommitInfo returns pending commit info for a transaction started at
// the given timestamp.
func NewCommitInfo(start hlc.Hlc) *CommitInfo {
	return &CommitInfo{StartTimestamp: start}
}

// IsCommitted reports whether the owning transaction has committed.
func (ci *CommitInfo) IsCommitted() bool { return ci.committed.Load() }

// CommitTimestamp returns the commit timestamp; only meaningful once
// IsCommitted reports true.
func (ci *CommitInfo) CommitTimestamp() hlc.Hlc { return ci.commitTimestamp }

// MarkCommitted publishes the commit timestamp and flips the flag.
func (ci *CommitInfo) MarkCommitted(ts hlc.Hlc) {
	ci.commitTimestamp = ts
	ci.committed.Store(true)
}

// Clone returns a copy carrying the same start timestamp and, when the
// original has committed, the same commit timestamp.
func (ci *CommitInfo) Clone() *CommitInfo {
	cloned := NewCommitInfo(ci.StartTimestamp)
	if ci.IsCommitted() {
		cloned.MarkCommitted(ci.commitTimestamp)
	}
	return cloned
}

// Delta is one node of an entity's version chain. The entity's head
// pointer references the newest delta; Next walks toward older versions.
// Deltas are owned by the transaction that produced them and referenced
// by entities without ownership.
type Delta struct {
	Action   DeltaAction
	Label    msgs.LabelId
	Property msgs.PropertyId
	Value    msgs.Value
	Triple   EdgeTriple

	CommitInfo *CommitInfo
	Uuid       uuid.UUID
	Next       *Delta
	Prev       PreviousPtr
}

func newDelta(action DeltaAction, ci *CommitInfo) *Delta {
	return &Delta{Action: action, CommitInfo: ci, Uuid: uuid.New()}
}
