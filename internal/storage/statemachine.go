package storage

import (
	"encoding/json"
	"fmt"

	"github.com/filigreedb/filigree/internal/msgs"
)

// ShardStateMachine adapts a ShardEngine to the RSM runtime. Request
// outcomes travel inside the response payloads; an error return is
// reserved for undecodable payloads.
type ShardStateMachine struct {
	engine *ShardEngine
}

// NewShardStateMachine wraps an engine.
func NewShardStateMachine(engine *ShardEngine) *ShardStateMachine {
	return &ShardStateMachine{engine: engine}
}

// Engine returns the wrapped engine.
func (s *ShardStateMachine) Engine() *ShardEngine { return s.engine }

// Apply implements rsm.StateMachine.
func (s *ShardStateMachine) Apply(payload []byte) ([]byte, error) {
	var req msgs.StorageWriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal storage write: %w", err)
	}
	return json.Marshal(s.engine.ApplyWrite(req))
}

// Read implements rsm.StateMachine.
func (s *ShardStateMachine) Read(payload []byte) ([]byte, error) {
	var req msgs.StorageReadRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal storage read: %w", err)
	}
	return json.Marshal(s.engine.HandleRead(req))
}
