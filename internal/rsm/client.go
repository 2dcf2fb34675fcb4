package rsm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/msgs"
)

// ErrTimedOut is returned when a request exhausts its retries without
// reaching a leader.
var ErrTimedOut = errors.New("rsm request timed out")

// ClientConfig tunes a Client.
type ClientConfig struct {
	RequestTimeout time.Duration
	MaxRetries     int
}

// AsyncResult resolves an async request: the response payload or the
// error it terminated with.
type AsyncResult struct {
	Payload json.RawMessage
	Err     error
}

type future struct {
	done chan AsyncResult
}

func (f *future) poll() (*AsyncResult, bool) {
	select {
	case result := <-f.done:
		return &result, true
	default:
		return nil, false
	}
}

func (f *future) await(ctx context.Context) *AsyncResult {
	select {
	case result := <-f.done:
		return &result
	case <-ctx.Done():
		return &AsyncResult{Err: ErrTimedOut}
	}
}

// Client talks to one RSM group. The leader hint starts at the first
// replica and follows redirections; a request is retried against fresh
// hints up to the retry cap and then surfaces ErrTimedOut. One async
// read and one async write may be outstanding at a time, mirroring the
// send/poll/await storage client contract.
type Client struct {
	caller Caller
	addrs  []msgs.Address
	leader int

	requestTimeout time.Duration
	maxRetries     int
	logger         *zap.Logger

	asyncRead  *future
	asyncWrite *future
}

// NewClient builds a client for a replica set. The first address is the
// leader hint.
func NewClient(caller Caller, addrs []msgs.Address, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		caller:         caller,
		addrs:          addrs,
		requestTimeout: cfg.RequestTimeout,
		maxRetries:     cfg.MaxRetries,
		logger:         logger,
	}
}

// send runs the redirect/retry loop for one request.
func (c *Client) send(ctx context.Context, kind RequestKind, payload json.RawMessage) AsyncResult {
	req := Request{Kind: kind, Payload: payload}
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		resp, err := c.caller.Call(attemptCtx, c.addrs[c.leader], req)
		cancel()

		switch {
		case err != nil:
			// Transport failure: rotate through the replica set.
			c.leader = (c.leader + 1) % len(c.addrs)
			c.logger.Debug("rsm call failed, rotating replica",
				zap.Int("attempt", attempt),
				zap.Error(err))
		case resp.NotLeader:
			c.redirect(resp.LeaderHint)
		case resp.Error != "":
			return AsyncResult{Err: errors.New(resp.Error)}
		default:
			return AsyncResult{Payload: resp.Payload}
		}

		select {
		case <-ctx.Done():
			return AsyncResult{Err: ErrTimedOut}
		default:
		}
	}
	return AsyncResult{Err: ErrTimedOut}
}

// redirect points the leader hint at the hinted address, falling back to
// round-robin when the follower does not know the leader.
func (c *Client) redirect(hint *msgs.Address) {
	if hint != nil {
		for i, addr := range c.addrs {
			if addr == *hint {
				c.leader = i
				return
			}
		}
	}
	c.leader = (c.leader + 1) % len(c.addrs)
}

// SendReadRequest issues a read and blocks for the result.
func (c *Client) SendReadRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	result := c.send(ctx, KindRead, payload)
	return result.Payload, result.Err
}

// SendWriteRequest issues a write and blocks for the result.
func (c *Client) SendWriteRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	result := c.send(ctx, KindWrite, payload)
	return result.Payload, result.Err
}

func (c *Client) sendAsync(kind RequestKind, payload json.RawMessage) *future {
	f := &future{done: make(chan AsyncResult, 1)}
	go func() {
		f.done <- c.send(context.Background(), kind, payload)
	}()
	return f
}

// SendAsyncReadRequest starts an async read. Any previous async read
// result is discarded.
func (c *Client) SendAsyncReadRequest(payload json.RawMessage) {
	c.asyncRead = c.sendAsync(KindRead, payload)
}

// PollAsyncReadRequest checks the outstanding async read without
// blocking.
func (c *Client) PollAsyncReadRequest() (*AsyncResult, bool) {
	if c.asyncRead == nil {
		return nil, false
	}
	result, ready := c.asyncRead.poll()
	if ready {
		c.asyncRead = nil
	}
	return result, ready
}

// AwaitAsyncReadRequest blocks until the outstanding async read
// resolves or the context expires.
func (c *Client) AwaitAsyncReadRequest(ctx context.Context) *AsyncResult {
	if c.asyncRead == nil {
		return &AsyncResult{Err: errors.New("no outstanding async read")}
	}
	result := c.asyncRead.await(ctx)
	c.asyncRead = nil
	return result
}

// SendAsyncWriteRequest starts an async write. Any previous async write
// result is discarded.
func (c *Client) SendAsyncWriteRequest(payload json.RawMessage) {
	c.asyncWrite = c.sendAsync(KindWrite, payload)
}

// PollAsyncWriteRequest checks the outstanding async write without
// blocking.
func (c *Client) PollAsyncWriteRequest() (*AsyncResult, bool) {
	if c.asyncWrite == nil {
		return nil, false
	}
	result, ready := c.asyncWrite.poll()
	if ready {
		c.asyncWrite = nil
	}
	return result, ready
}

// AwaitAsyncWriteRequest blocks until the outstanding async write
// resolves or the context expires.
func (c *Client) AwaitAsyncWriteRequest(ctx context.Context) *AsyncResult {
	if c.asyncWrite == nil {
		return &AsyncResult{Err: errors.New("no outstanding async write")}
	}
	result := c.asyncWrite.await(ctx)
	c.asyncWrite = nil
	return result
}
