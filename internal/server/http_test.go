package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigreedb/filigree/internal/rsm"
	"github.com/filigreedb/filigree/internal/storage"
)

func TestHTTPServerRoutes(t *testing.T) {
	network := rsm.NewMemoryNetwork()
	host := NewHost("n1:7690", network, RaftSettings{TickInterval: 5 * time.Millisecond}, storage.DefaultConfig(), nil, nil)
	host.SetRegisterHook(network.Register)
	t.Cleanup(host.Stop)

	srv := NewHTTPServer("127.0.0.1:0", host, "/metrics", nil)
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// An envelope addressed to an unknown group is rejected.
	env := rsm.Envelope{
		MsgId:   1,
		From:    "client",
		To:      "n1:7690/shard-9-unknown",
		Request: &rsm.Request{Kind: rsm.KindRead, Payload: json.RawMessage(`{}`)},
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	resp, err = http.Post(ts.URL+"/internal/rsm", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Malformed raft frames are rejected without crashing the server.
	resp, err = http.Post(ts.URL+"/internal/raft", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
