package router

import (
	"errors"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/shardmap"
)

// ErrStateExhausted is returned when an operation re-enters an
// execution state that already completed.
var ErrStateExhausted = errors.New("execution state exhausted: completed and must be reset")

// OperationState is the per-operation lifecycle.
type OperationState int8

const (
	StateInitializing OperationState = iota
	StateExecuting
	StateCompleted
)

// PaginatedResponseState tracks a shard's progress through a paginated
// read: Pending means the next batch must still be requested,
// PartiallyFinished means the shard answered and waits for the caller
// to ask for the next page.
type PaginatedResponseState int8

const (
	Pending PaginatedResponseState = iota
	PartiallyFinished
)

// ExecutionState tracks one in-flight multi-shard operation. ShardCache
// and Requests stay in 1-1 correspondence: when a shard's work is
// exhausted both entries are erased together, and an empty cache means
// the operation completed.
type ExecutionState[R any] struct {
	// Label restricts the operation to one label space; some operations
	// carry labels inside the requests instead.
	Label *string
	// Key restricts the operation to one primary key, when present.
	Key msgs.PrimaryKey
	// TransactionId is filled in by the router on initialization.
	TransactionId hlc.Hlc

	ShardCache []shardmap.Shard
	Requests   []R
	State      OperationState
}

// throwIfCompleted guards against re-entering a finished operation.
func (s *ExecutionState[R]) throwIfCompleted() error {
	if s.State == StateCompleted {
		return ErrStateExhausted
	}
	return nil
}

// shallNotInitialize reports whether initialization already happened.
func (s *ExecutionState[R]) shallNotInitialize() bool {
	return s.State != StateInitializing
}

// maybeComplete flips the state once every request drained.
func (s *ExecutionState[R]) maybeComplete() {
	if len(s.Requests) == 0 {
		s.State = StateCompleted
	}
}

// erase removes the shard/request pair at index i, keeping the 1-1
// pairing invariant.
func (s *ExecutionState[R]) erase(i int) {
	s.ShardCache = append(s.ShardCache[:i], s.ShardCache[i+1:]...)
	s.Requests = append(s.Requests[:i], s.Requests[i+1:]...)
}

// scanShardWork is the per-shard request tracker of a paginated scan:
// the outstanding request (whose StartId advances as pages arrive), the
// exclusive upper bound of the range this entry is responsible for, and
// the pagination status.
type scanShardWork struct {
	Request msgs.ScanVerticesRequest
	High    msgs.PrimaryKey // nil means unbounded
	Tracker PaginatedResponseState
}
