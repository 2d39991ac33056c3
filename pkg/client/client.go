package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/0xmhha/substrate-indexer/pkg/codec"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrBlockNotFound is returned when the node has no block at the requested height
	ErrBlockNotFound = errors.New("block not found")

	// ErrNoEndpoints is returned when no endpoint could be dialed
	ErrNoEndpoints = errors.New("no reachable RPC endpoints")
)

// Header is a Substrate block header as returned by chain_getHeader
type Header struct {
	ParentHash     string `json:"parentHash"`
	Number         string `json:"number"`
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
	Digest         struct {
		Logs []string `json:"logs"`
	} `json:"digest"`
}

// Height decodes the hex block number
func (h *Header) Height() (uint64, error) {
	n, err := strconv.ParseUint(codec.StripHexPrefix(h.Number), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid header number %q: %w", h.Number, err)
	}
	return n, nil
}

// SignedBlock is the chain_getBlock response
type SignedBlock struct {
	Block struct {
		Header     Header   `json:"header"`
		Extrinsics []string `json:"extrinsics"`
	} `json:"block"`
}

// RuntimeVersion is the state_getRuntimeVersion response
type RuntimeVersion struct {
	SpecName           string `json:"specName"`
	ImplName           string `json:"implName"`
	SpecVersion        uint32 `json:"specVersion"`
	ImplVersion        uint32 `json:"implVersion"`
	TransactionVersion uint32 `json:"transactionVersion"`
}

// Config holds client configuration
type Config struct {
	// Endpoints are dialed in order and used round-robin
	Endpoints []string
	// Timeout applies per call, 0 disables
	Timeout time.Duration
	// RateLimit caps requests per second across all endpoints, 0 disables
	RateLimit float64
	RateBurst int
	Logger    *zap.Logger
}

type endpoint struct {
	url string
	rpc *rpc.Client
}

// Client is a pooled Substrate JSON-RPC client
type Client struct {
	endpoints []*endpoint
	next      atomic.Uint64
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClient dials every endpoint and keeps the reachable ones
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	var dialErr error
	for _, url := range cfg.Endpoints {
		rc, err := rpc.DialContext(ctx, url)
		if err != nil {
			logger.Warn("failed to dial RPC endpoint", zap.String("endpoint", url), zap.Error(err))
			dialErr = multierr.Append(dialErr, fmt.Errorf("%s: %w", url, err))
			continue
		}
		c.endpoints = append(c.endpoints, &endpoint{url: url, rpc: rc})
	}
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoEndpoints, dialErr)
	}

	if _, err := c.GetFinalizedHead(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	logger.Info("connected to Substrate RPC",
		zap.Int("endpoints", len(c.endpoints)),
		zap.String("primary", c.endpoints[0].url),
	)
	return c, nil
}

// Close closes every endpoint connection
func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.rpc.Close()
	}
}

// call issues method on the next endpoint and fails over to the others on transport errors.
// JSON-RPC errors returned by a node are not retried elsewhere.
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	start := c.next.Add(1) - 1
	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[(start+uint64(i))%uint64(len(c.endpoints))]

		callCtx := ctx
		cancel := func() {}
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		err := ep.rpc.CallContext(callCtx, result, method, args...)
		cancel()
		if err == nil {
			return nil
		}

		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("RPC call failed, trying next endpoint",
			zap.String("method", method),
			zap.String("endpoint", ep.url),
			zap.Error(err),
		)
		lastErr = err
	}
	return lastErr
}

// GetBlockHash returns the canonical hash at height
func (c *Client) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	var hash *string
	if err := c.call(ctx, &hash, "chain_getBlockHash", height); err != nil {
		return "", fmt.Errorf("failed to get block hash %d: %w", height, err)
	}
	if hash == nil {
		return "", fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return *hash, nil
}

// GetHeader returns the header for hash, or the best header when hash is empty
func (c *Client) GetHeader(ctx context.Context, hash string) (*Header, error) {
	var header *Header
	if err := c.call(ctx, &header, "chain_getHeader", optional(hash)...); err != nil {
		return nil, fmt.Errorf("failed to get header %s: %w", hash, err)
	}
	if header == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	return header, nil
}

// GetBlock returns the full block for hash
func (c *Client) GetBlock(ctx context.Context, hash string) (*SignedBlock, error) {
	var block *SignedBlock
	if err := c.call(ctx, &block, "chain_getBlock", hash); err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash, err)
	}
	if block == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	return block, nil
}

// GetFinalizedHead returns the hash of the latest finalized block
func (c *Client) GetFinalizedHead(ctx context.Context) (string, error) {
	var hash string
	if err := c.call(ctx, &hash, "chain_getFinalizedHead"); err != nil {
		return "", fmt.Errorf("failed to get finalized head: %w", err)
	}
	return hash, nil
}

// GetFinalizedHeight returns the height of the latest finalized block
func (c *Client) GetFinalizedHeight(ctx context.Context) (uint64, error) {
	hash, err := c.GetFinalizedHead(ctx)
	if err != nil {
		return 0, err
	}
	header, err := c.GetHeader(ctx, hash)
	if err != nil {
		return 0, err
	}
	return header.Height()
}

// GetStorage reads a raw storage value at block hash at, or at the best block when at is empty.
// A missing value returns nil, nil.
func (c *Client) GetStorage(ctx context.Context, key string, at string) ([]byte, error) {
	var value *string
	args := append([]interface{}{key}, optional(at)...)
	if err := c.call(ctx, &value, "state_getStorage", args...); err != nil {
		return nil, fmt.Errorf("failed to get storage %s: %w", key, err)
	}
	if value == nil {
		return nil, nil
	}
	data, err := codec.HexToBytes(*value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode storage %s: %w", key, err)
	}
	return data, nil
}

// GetRuntimeVersion returns the runtime version at block hash at
func (c *Client) GetRuntimeVersion(ctx context.Context, at string) (*RuntimeVersion, error) {
	var version RuntimeVersion
	if err := c.call(ctx, &version, "state_getRuntimeVersion", optional(at)...); err != nil {
		return nil, fmt.Errorf("failed to get runtime version: %w", err)
	}
	return &version, nil
}

// GetMetadata returns the SCALE-encoded runtime metadata at block hash at,
// or at the best block when at is empty
func (c *Client) GetMetadata(ctx context.Context, at string) ([]byte, error) {
	var value string
	if err := c.call(ctx, &value, "state_getMetadata", optional(at)...); err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	data, err := codec.HexToBytes(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty metadata at %q", at)
	}
	return data, nil
}

func optional(s string) []interface{} {
	if s == "" {
		return nil
	}
	return []interface{}{s}
}
