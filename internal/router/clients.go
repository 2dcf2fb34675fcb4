// Package router is the client-side orchestrator embedded in the query
// executor: it owns a transaction, resolves graph keys to shards,
// dispatches per-shard requests in parallel, merges paginated responses
// and commits atomically across every touched shard.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/coordinator"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/rsm"
	"github.com/filigreedb/filigree/internal/shardmap"
)

// CoordinatorClient is the typed client for the coordinator RSM group.
type CoordinatorClient struct {
	cli *rsm.Client
}

// NewCoordinatorClient builds a client for the coordinator replica set.
func NewCoordinatorClient(caller rsm.Caller, addrs []msgs.Address, cfg rsm.ClientConfig, logger *zap.Logger) *CoordinatorClient {
	return &CoordinatorClient{cli: rsm.NewClient(caller, addrs, cfg, logger)}
}

// SendReadRequest issues a coordinator read and decodes the response.
func (c *CoordinatorClient) SendReadRequest(ctx context.Context, req coordinator.ReadRequest) (*coordinator.ReadResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	raw, err := c.cli.SendReadRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	var resp coordinator.ReadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode coordinator read response: %w", err)
	}
	return &resp, nil
}

// SendWriteRequest issues a coordinator write and decodes the response.
func (c *CoordinatorClient) SendWriteRequest(ctx context.Context, req coordinator.WriteRequest) (*coordinator.WriteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	raw, err := c.cli.SendWriteRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	var resp coordinator.WriteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode coordinator write response: %w", err)
	}
	return &resp, nil
}

// ShardClient is the typed storage client for one shard's RSM group.
type ShardClient struct {
	cli *rsm.Client
}

// NewShardClient builds a client for a shard replica set, leader hint
// first.
func NewShardClient(caller rsm.Caller, shard shardmap.Shard, cfg rsm.ClientConfig, logger *zap.Logger) *ShardClient {
	return &ShardClient{cli: rsm.NewClient(caller, shard.Addresses(), cfg, logger)}
}

// SendAsyncReadRequest starts an async storage read.
func (c *ShardClient) SendAsyncReadRequest(req msgs.StorageReadRequest) {
	payload, _ := json.Marshal(req)
	c.cli.SendAsyncReadRequest(payload)
}

// AwaitAsyncReadRequest blocks for the outstanding async read.
func (c *ShardClient) AwaitAsyncReadRequest(ctx context.Context) (*msgs.StorageReadResponse, error) {
	result := c.cli.AwaitAsyncReadRequest(ctx)
	if result.Err != nil {
		return nil, result.Err
	}
	var resp msgs.StorageReadResponse
	if err := json.Unmarshal(result.Payload, &resp); err != nil {
		return nil, fmt.Errorf("decode storage read response: %w", err)
	}
	return &resp, nil
}

// PollAsyncReadRequest checks the outstanding async read without
// blocking. The boolean reports readiness.
func (c *ShardClient) PollAsyncReadRequest() (*msgs.StorageReadResponse, bool, error) {
	result, ready := c.cli.PollAsyncReadRequest()
	if !ready {
		return nil, false, nil
	}
	if result.Err != nil {
		return nil, true, result.Err
	}
	var resp msgs.StorageReadResponse
	if err := json.Unmarshal(result.Payload, &resp); err != nil {
		return nil, true, fmt.Errorf("decode storage read response: %w", err)
	}
	return &resp, true, nil
}

// SendAsyncWriteRequest starts an async storage write.
func (c *ShardClient) SendAsyncWriteRequest(req msgs.StorageWriteRequest) {
	payload, _ := json.Marshal(req)
	c.cli.SendAsyncWriteRequest(payload)
}

// AwaitAsyncWriteRequest blocks for the outstanding async write.
func (c *ShardClient) AwaitAsyncWriteRequest(ctx context.Context) (*msgs.StorageWriteResponse, error) {
	result := c.cli.AwaitAsyncWriteRequest(ctx)
	if result.Err != nil {
		return nil, result.Err
	}
	var resp msgs.StorageWriteResponse
	if err := json.Unmarshal(result.Payload, &resp); err != nil {
		return nil, fmt.Errorf("decode storage write response: %w", err)
	}
	return &resp, nil
}

// SendWriteRequest issues a synchronous storage write.
func (c *ShardClient) SendWriteRequest(ctx context.Context, req msgs.StorageWriteRequest) (*msgs.StorageWriteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	raw, err := c.cli.SendWriteRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	var resp msgs.StorageWriteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode storage write response: %w", err)
	}
	return &resp, nil
}

// RsmStorageClientManager pools shard clients keyed by shard identity.
// The cache is purged whenever the shard map changes.
type RsmStorageClientManager struct {
	mu      sync.Mutex
	caller  rsm.Caller
	cfg     rsm.ClientConfig
	logger  *zap.Logger
	clients map[string]*ShardClient
}

// NewRsmStorageClientManager builds an empty pool.
func NewRsmStorageClientManager(caller rsm.Caller, cfg rsm.ClientConfig, logger *zap.Logger) *RsmStorageClientManager {
	return &RsmStorageClientManager{
		caller:  caller,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*ShardClient),
	}
}

// GetClient returns the pooled client for a shard, creating it on first
// use.
func (m *RsmStorageClientManager) GetClient(shard shardmap.Shard) *ShardClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := shard.Key()
	if cli, ok := m.clients[key]; ok {
		return cli
	}
	cli := NewShardClient(m.caller, shard, m.cfg, m.logger)
	m.clients[key] = cli
	return cli
}

// Drop removes the pooled client of one shard.
func (m *RsmStorageClientManager) Drop(shard shardmap.Shard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, shard.Key())
}

// PurgeCache clears the pool.
func (m *RsmStorageClientManager) PurgeCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = make(map[string]*ShardClient)
}
