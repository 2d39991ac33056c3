// Package decoder turns SCALE-encoded block bodies into raw extrinsic and event records.
//
// MetadataDecoder resolves calls and events against the runtime metadata of each spec
// version. RawDecoder works without metadata and recovers what the extrinsic envelope exposes;
// MetadataDecoder falls back to it when metadata is unavailable or a record does not decode.
package decoder

import (
	"context"

	"github.com/0xmhha/substrate-indexer/pkg/codec"
	"github.com/0xmhha/substrate-indexer/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const (
	// UnknownModule is reported when a call cannot be resolved to a pallet
	UnknownModule = "Unknown"
	// UnknownCall is reported when a call cannot be resolved to a call name
	UnknownCall = "unknown"
)

// Runtime identifies the runtime that produced a block body
type Runtime struct {
	SpecVersion uint32
	// BlockHash is the block whose state holds the runtime metadata
	BlockHash string
}

// Decoder decodes block bodies for a runtime version
type Decoder interface {
	// DecodeExtrinsics decodes the encoded extrinsics of a block, in order
	DecodeExtrinsics(ctx context.Context, rt Runtime, encoded [][]byte) ([]*types.RawExtrinsic, error)
	// DecodeEvents decodes the System.Events storage value of a block
	DecodeEvents(ctx context.Context, rt Runtime, data []byte) ([]*types.RawEvent, error)
}

var (
	_ Decoder = (*RawDecoder)(nil)
	_ Decoder = (*MetadataDecoder)(nil)
)

// RawDecoder is a metadata-free Decoder
type RawDecoder struct {
	logger *zap.Logger
}

// NewRawDecoder creates a metadata-free decoder
func NewRawDecoder(logger *zap.Logger) *RawDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RawDecoder{logger: logger}
}

// DecodeExtrinsics implements Decoder. Malformed envelopes still yield a record with the raw bytes.
func (d *RawDecoder) DecodeExtrinsics(_ context.Context, _ Runtime, encoded [][]byte) ([]*types.RawExtrinsic, error) {
	out := make([]*types.RawExtrinsic, 0, len(encoded))
	for i, raw := range encoded {
		out = append(out, d.decodeExtrinsic(uint32(i), raw, defaultExtensions))
	}
	return out, nil
}

// decodeExtrinsic builds an Unknown record carrying whatever the envelope exposes.
// The call index of a signed extrinsic is only trusted when extensions came from metadata.
func (d *RawDecoder) decodeExtrinsic(index uint32, raw []byte, extensions []string) *types.RawExtrinsic {
	ext := &types.RawExtrinsic{
		Index:  index,
		Module: UnknownModule,
		Call:   UnknownCall,
		Args:   map[string]any{},
	}
	hash := TxHash(raw)
	ext.Hash = &hash
	ext.Args["raw"] = codec.BytesToHex(raw)

	env, err := parseEnvelope(raw, extensions)
	if env != nil {
		env.apply(ext)
		if err == nil && !env.signed {
			ext.Args["callIndex"] = codec.BytesToHex(env.call[:2])
		}
	}
	if err != nil {
		d.logger.Debug("extrinsic envelope not decoded",
			zap.Uint32("index", index),
			zap.Error(err),
		)
	}
	return ext
}

// DecodeEvents implements Decoder. Event records cannot be split without metadata.
func (d *RawDecoder) DecodeEvents(_ context.Context, rt Runtime, data []byte) ([]*types.RawEvent, error) {
	if len(data) > 0 {
		if count, _, err := codec.DecodeCompact(data); err == nil && count > 0 {
			d.logger.Debug("skipping events without metadata",
				zap.Uint32("specVersion", rt.SpecVersion),
				zap.Uint64("count", count),
			)
		}
	}
	return []*types.RawEvent{}, nil
}

// TxHash is the blake2b-256 hash of the length-prefixed extrinsic
func TxHash(encoded []byte) string {
	sum := blake2b.Sum256(encoded)
	return codec.BytesToHex(sum[:])
}
