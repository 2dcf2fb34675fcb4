package rsm

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigreedb/filigree/internal/msgs"
)

// scriptedCaller answers per-address with canned responses, counting
// calls.
type scriptedCaller struct {
	responses map[msgs.Address]func() Response
	calls     map[msgs.Address]int
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{
		responses: make(map[msgs.Address]func() Response),
		calls:     make(map[msgs.Address]int),
	}
}

func (c *scriptedCaller) Call(_ context.Context, to msgs.Address, _ Request) (Response, error) {
	c.calls[to]++
	fn, ok := c.responses[to]
	if !ok {
		return Response{}, fmt.Errorf("no node at address %s", to)
	}
	return fn(), nil
}

func TestClientFollowsLeaderHint(t *testing.T) {
	leader := msgs.Address("b/group")
	follower := msgs.Address("a/group")

	caller := newScriptedCaller()
	caller.responses[follower] = func() Response {
		return Response{NotLeader: true, LeaderHint: &leader}
	}
	caller.responses[leader] = func() Response {
		return Response{Success: true, Payload: json.RawMessage(`"ok"`)}
	}

	cli := NewClient(caller, []msgs.Address{follower, leader}, ClientConfig{}, nil)
	payload, err := cli.SendReadRequest(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(payload))
	assert.Equal(t, 1, caller.calls[follower])
	assert.Equal(t, 1, caller.calls[leader])
}

func TestClientExhaustsRetriesToTimedOut(t *testing.T) {
	a := msgs.Address("a/group")
	b := msgs.Address("b/group")

	caller := newScriptedCaller()
	// Followers that never learn a leader.
	caller.responses[a] = func() Response { return Response{NotLeader: true} }
	caller.responses[b] = func() Response { return Response{NotLeader: true} }

	cli := NewClient(caller, []msgs.Address{a, b}, ClientConfig{MaxRetries: 4}, nil)
	_, err := cli.SendWriteRequest(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, 4, caller.calls[a]+caller.calls[b])
}

func TestAsyncSendPollAwait(t *testing.T) {
	addr := msgs.Address("a/group")
	caller := newScriptedCaller()
	caller.responses[addr] = func() Response {
		return Response{Success: true, Payload: json.RawMessage(`42`)}
	}

	cli := NewClient(caller, []msgs.Address{addr}, ClientConfig{}, nil)

	// Poll without an outstanding request reports not ready.
	_, ready := cli.PollAsyncReadRequest()
	assert.False(t, ready)

	cli.SendAsyncReadRequest(json.RawMessage(`{}`))
	result := cli.AwaitAsyncReadRequest(context.Background())
	require.NoError(t, result.Err)
	assert.JSONEq(t, `42`, string(result.Payload))

	// The future is consumed.
	_, ready = cli.PollAsyncReadRequest()
	assert.False(t, ready)

	cli.SendAsyncWriteRequest(json.RawMessage(`{}`))
	writeResult := cli.AwaitAsyncWriteRequest(context.Background())
	require.NoError(t, writeResult.Err)
}

func TestClientSurfacesStateMachineErrors(t *testing.T) {
	addr := msgs.Address("a/group")
	caller := newScriptedCaller()
	caller.responses[addr] = func() Response {
		return Response{Error: "schema_violation: bad key"}
	}

	cli := NewClient(caller, []msgs.Address{addr}, ClientConfig{}, nil)
	_, err := cli.SendWriteRequest(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_violation")
}
