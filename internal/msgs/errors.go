package msgs

import "fmt"

// ErrorCode classifies failures crossing an RPC boundary. Locally
// recoverable codes (Stale, NotLeader, NotFound) are the ones IsRetryable
// accepts; the rest, TimedOut included, surface to the caller as a
// transaction abort or an operator error.
type ErrorCode string

const (
	// CodeStale means the caller's shard map is older than authoritative.
	CodeStale ErrorCode = "stale"
	// CodeNotLeader means the request hit a follower replica.
	CodeNotLeader ErrorCode = "not_leader"
	// CodeTimedOut means the deadline elapsed without a response.
	CodeTimedOut ErrorCode = "timed_out"
	// CodeConflict means an optimistic shard map write lost the race.
	CodeConflict ErrorCode = "conflict"
	// CodeSchemaViolation means a write does not match the label schema.
	CodeSchemaViolation ErrorCode = "schema_violation"
	// CodeNotFound means the shard no longer owns the addressed key.
	CodeNotFound ErrorCode = "not_found"
	// CodeAborted means the store aborted the transaction.
	CodeAborted ErrorCode = "aborted"
	// CodeInternal covers everything that is not part of the taxonomy.
	CodeInternal ErrorCode = "internal"
)

// ShardError is the structured error carried inside responses.
type ShardError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *ShardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewShardError builds a ShardError with a formatted message.
func NewShardError(code ErrorCode, format string, args ...any) *ShardError {
	return &ShardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether the router may recover from the error by
// refreshing state and retrying.
func (e *ShardError) IsRetryable() bool {
	switch e.Code {
	case CodeStale, CodeNotLeader, CodeNotFound:
		return true
	default:
		return false
	}
}
