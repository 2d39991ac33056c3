// Package fetch reads blocks from a Substrate node and decodes them into raw block records.
package fetch

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/chainstate"
	"github.com/0xmhha/substrate-indexer/pkg/client"
	"github.com/0xmhha/substrate-indexer/pkg/codec"
	"github.com/0xmhha/substrate-indexer/pkg/correlator"
	"github.com/0xmhha/substrate-indexer/pkg/decoder"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// NodeClient defines the node RPC operations the fetcher needs
type NodeClient interface {
	GetBlockHash(ctx context.Context, height uint64) (string, error)
	GetBlock(ctx context.Context, hash string) (*client.SignedBlock, error)
	GetRuntimeVersion(ctx context.Context, at string) (*client.RuntimeVersion, error)
	GetStorage(ctx context.Context, key string, at string) ([]byte, error)
	GetFinalizedHeight(ctx context.Context) (uint64, error)
}

// Config holds fetcher configuration
type Config struct {
	Client  NodeClient
	Decoder decoder.Decoder
	Logger  *zap.Logger
}

// Validate validates the fetcher configuration
func (c *Config) Validate() error {
	if c.Client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	return nil
}

// Fetcher resolves a height into a decoded RawBlock
type Fetcher struct {
	client       NodeClient
	decoder      decoder.Decoder
	logger       *zap.Logger
	timestampKey string
}

// NewFetcher creates a block fetcher. A RawDecoder is used when no decoder is configured.
func NewFetcher(cfg *Config) (*Fetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dec := cfg.Decoder
	if dec == nil {
		dec = decoder.NewRawDecoder(logger)
	}

	return &Fetcher{
		client:       cfg.Client,
		decoder:      dec,
		logger:       logger,
		timestampKey: chainstate.StorageValueKey("Timestamp", "Now"),
	}, nil
}

// FinalizedHeight returns the node's latest finalized height
func (f *Fetcher) FinalizedHeight(ctx context.Context) (uint64, error) {
	return f.client.GetFinalizedHeight(ctx)
}

// FetchBlock fetches and decodes the canonical block at height
func (f *Fetcher) FetchBlock(ctx context.Context, height uint64) (*types.RawBlock, error) {
	hash, err := f.client.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	signed, err := f.client.GetBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	header := signed.Block.Header

	version, err := f.client.GetRuntimeVersion(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}

	rt := decoder.Runtime{SpecVersion: version.SpecVersion, BlockHash: hash}
	encoded := make([][]byte, 0, len(signed.Block.Extrinsics))
	for i, ext := range signed.Block.Extrinsics {
		b, err := codec.HexToBytes(ext)
		if err != nil {
			return nil, fmt.Errorf("block %d extrinsic %d: %w", height, i, err)
		}
		encoded = append(encoded, b)
	}

	extrinsics, err := f.decoder.DecodeExtrinsics(ctx, rt, encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode extrinsics of block %d: %w", height, err)
	}
	for i, ext := range extrinsics {
		if ext.Hash == nil {
			fallback := fmt.Sprintf("%s-%d", hash, i)
			ext.Hash = &fallback
		}
	}

	eventData, err := f.client.GetStorage(ctx, constants.SystemEventsKey, hash)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	events, err := f.decoder.DecodeEvents(ctx, rt, eventData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode events of block %d: %w", height, err)
	}

	digestLogs, skipped := decoder.DecodeDigestLogs(header.Digest.Logs)
	if skipped > 0 {
		f.logger.Debug("skipped undecodable digest logs",
			zap.Uint64("height", height),
			zap.Int("skipped", skipped),
		)
	}

	timestamp, err := f.timestamp(ctx, hash, extrinsics)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}

	return &types.RawBlock{
		Number:         height,
		Hash:           hash,
		ParentHash:     header.ParentHash,
		StateRoot:      header.StateRoot,
		ExtrinsicsRoot: header.ExtrinsicsRoot,
		Extrinsics:     extrinsics,
		Events:         events,
		DigestLogs:     digestLogs,
		Timestamp:      timestamp,
		SpecVersion:    version.SpecVersion,
	}, nil
}

// timestamp prefers the decoded Timestamp.set argument and falls back to Timestamp.Now storage
func (f *Fetcher) timestamp(ctx context.Context, hash string, extrinsics []*types.RawExtrinsic) (*int64, error) {
	for _, ext := range extrinsics {
		if ext.Module != "Timestamp" || ext.Call != "set" {
			continue
		}
		if now, ok := ext.Args["now"]; ok {
			if ts, ok := toMillis(now); ok {
				return &ts, nil
			}
		}
	}

	data, err := f.client.GetStorage(ctx, f.timestampKey, hash)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	v, err := codec.ReadU64LE(data, 0)
	if err != nil {
		return nil, nil
	}
	ts := int64(v)
	return &ts, nil
}

func toMillis(v any) (int64, bool) {
	s, ok := correlator.Decimal(v)
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
