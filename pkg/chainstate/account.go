package chainstate

import (
	"context"
	"fmt"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/codec"
	"github.com/0xmhha/substrate-indexer/pkg/types"
	"go.uber.org/zap"
)

// StorageGetter reads raw storage values from a node. A missing value is returned as nil, nil.
type StorageGetter interface {
	GetStorage(ctx context.Context, key string, at string) ([]byte, error)
}

// DecodeAccountInfo decodes the fixed AccountInfo layout:
// nonce, consumers, providers, sufficients as u32 then free, reserved, frozen, flags as u128.
// Inputs shorter than 80 bytes yield false.
func DecodeAccountInfo(data []byte) (*types.LiveAccountInfo, bool) {
	if len(data) < constants.AccountInfoMinLength {
		return nil, false
	}

	info := &types.LiveAccountInfo{}
	info.Nonce, _ = codec.ReadU32LE(data, 0)
	info.Consumers, _ = codec.ReadU32LE(data, 4)
	info.Providers, _ = codec.ReadU32LE(data, 8)
	info.Sufficients, _ = codec.ReadU32LE(data, 12)
	info.Free, _ = codec.ReadU128LE(data, 16)
	info.Reserved, _ = codec.ReadU128LE(data, 32)
	info.Frozen, _ = codec.ReadU128LE(data, 48)
	info.Flags, _ = codec.ReadU128LE(data, 64)
	return info, true
}

// Reader resolves live account state from node storage
type Reader struct {
	storage StorageGetter
	logger  *zap.Logger
}

// NewReader creates a live-state reader over storage
func NewReader(storage StorageGetter, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{storage: storage, logger: logger}
}

// GetLiveBalance reads the account at the node's best block.
// Returns nil, nil when the account has no storage entry.
func (r *Reader) GetLiveBalance(ctx context.Context, accountID string) (*types.LiveAccountInfo, error) {
	return r.GetLiveBalanceAt(ctx, accountID, "")
}

// GetLiveBalanceAt reads the account at blockHash, or at the best block when blockHash is empty
func (r *Reader) GetLiveBalanceAt(ctx context.Context, accountID, blockHash string) (*types.LiveAccountInfo, error) {
	key, err := SystemAccountKey(accountID)
	if err != nil {
		return nil, err
	}

	data, err := r.storage.GetStorage(ctx, key, blockHash)
	if err != nil {
		return nil, fmt.Errorf("failed to read account storage: %w", err)
	}

	info, ok := DecodeAccountInfo(data)
	if !ok {
		if data != nil {
			r.logger.Debug("account storage too short",
				zap.String("account", accountID),
				zap.Int("length", len(data)),
			)
		}
		return nil, nil
	}
	return info, nil
}
