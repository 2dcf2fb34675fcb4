package storage

import (
	"github.com/filigreedb/filigree/internal/hlc"
)

// TransactionStatus tracks the lifecycle of a per-shard transaction.
type TransactionStatus uint8

const (
	StatusPending TransactionStatus = iota
	StatusCommitted
	StatusAborted
)

// Transaction is the per-shard record of one client transaction: its
// start timestamp, the deltas it produced (owned here, referenced by
// entities), and its status. Commit info is shared with every delta so a
// single store publishes the commit to all of them.
type Transaction struct {
	StartTimestamp hlc.Hlc
	CommitInfo     *CommitInfo
	Deltas         []*Delta
	Status         TransactionStatus
}

// NewTransaction returns a pending transaction started at the given
// timestamp.
func NewTransaction(start hlc.Hlc) *Transaction {
	return &Transaction{
		StartTimestamp: start,
		CommitInfo:     NewCommitInfo(start),
		Status:         StatusPending,
	}
}

// Clone deep-copies the transaction for a shard split. Cloned deltas
// keep their uuid and list order; their next/prev pointers still target
// the original graph and must be rewired by the splitter.
func (t *Transaction) Clone() *Transaction {
	cloned := &Transaction{
		StartTimestamp: t.StartTimestamp,
		CommitInfo:     t.CommitInfo.Clone(),
		Status:         t.Status,
		Deltas:         make([]*Delta, len(t.Deltas)),
	}
	for i, d := range t.Deltas {
		cd := *d
		cd.CommitInfo = cloned.CommitInfo
		cloned.Deltas[i] = &cd
	}
	return cloned
}

// newDelta appends a fresh delta owned by the transaction.
func (t *Transaction) newDelta(action DeltaAction) *Delta {
	d := newDelta(action, t.CommitInfo)
	t.Deltas = append(t.Deltas, d)
	return d
}
