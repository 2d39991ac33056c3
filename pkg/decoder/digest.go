package decoder

import (
	"fmt"

	gstypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	gscodec "github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"

	"github.com/0xmhha/substrate-indexer/pkg/codec"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// RuntimeEnvironmentUpdated has no payload and is not modelled by DigestItem
const digestRuntimeEnvironmentUpdated = 8

const engineIDLength = 4

// DecodeDigestLog decodes one hex-encoded header digest item
func DecodeDigestLog(log string) (types.DigestLog, error) {
	b, err := codec.HexToBytes(log)
	if err != nil {
		return types.DigestLog{}, err
	}
	if len(b) == 0 {
		return types.DigestLog{}, fmt.Errorf("empty digest item")
	}
	if b[0] == digestRuntimeEnvironmentUpdated {
		return types.DigestLog{Type: "RuntimeEnvironmentUpdated", Data: "0x"}, nil
	}

	var item gstypes.DigestItem
	if err := gscodec.Decode(b, &item); err != nil {
		return types.DigestLog{}, fmt.Errorf("digest item: %w", err)
	}

	// the engine id is the four ASCII bytes right after the variant
	engine := func() *string {
		id := string(b[1 : 1+engineIDLength])
		return &id
	}
	switch {
	case item.IsPreRuntime:
		return types.DigestLog{Type: "PreRuntime", Engine: engine(), Data: codec.BytesToHex(item.AsPreRuntime.Bytes)}, nil
	case item.IsConsensus:
		return types.DigestLog{Type: "Consensus", Engine: engine(), Data: codec.BytesToHex(item.AsConsensus.Bytes)}, nil
	case item.IsSeal:
		return types.DigestLog{Type: "Seal", Engine: engine(), Data: codec.BytesToHex(item.AsSeal.Bytes)}, nil
	case item.IsOther:
		return types.DigestLog{Type: "Other", Data: codec.BytesToHex(item.AsOther)}, nil
	default:
		return types.DigestLog{}, fmt.Errorf("unknown digest item type %d", b[0])
	}
}

// DecodeDigestLogs decodes every log, skipping items that fail to decode.
// The second return value counts the skipped items.
func DecodeDigestLogs(logs []string) ([]types.DigestLog, int) {
	out := make([]types.DigestLog, 0, len(logs))
	skipped := 0
	for _, l := range logs {
		item, err := DecodeDigestLog(l)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, item)
	}
	return out, skipped
}
