package storage

import (
	"fmt"
)

// Key layout. Heights and indices are zero padded so lexicographic order matches numeric order.
const (
	prefixBlocks     = "/b/"
	prefixExtrinsics = "/x/"
	prefixEvents     = "/e/"
	prefixAccounts   = "/a/"
	prefixState      = "/s/"
)

// BlockKey returns the key of the block at height
// Format: /b/{height}
func BlockKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixBlocks, height))
}

// ExtrinsicKey returns the key of an extrinsic
// Format: /x/{height}/{index}
func ExtrinsicKey(height uint64, index uint32) []byte {
	return []byte(fmt.Sprintf("%s%020d/%010d", prefixExtrinsics, height, index))
}

// ExtrinsicKeyPrefix returns the prefix of all extrinsics at height
func ExtrinsicKeyPrefix(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", prefixExtrinsics, height))
}

// EventKey returns the key of an event
// Format: /e/{height}/{index}
func EventKey(height uint64, index uint32) []byte {
	return []byte(fmt.Sprintf("%s%020d/%010d", prefixEvents, height, index))
}

// EventKeyPrefix returns the prefix of all events at height
func EventKeyPrefix(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", prefixEvents, height))
}

// AccountKey returns the key of an account
// Format: /a/{address}
func AccountKey(address string) []byte {
	return []byte(prefixAccounts + address)
}

// StateKey returns the key of the indexer state of a chain
// Format: /s/{chainID}
func StateKey(chainID string) []byte {
	return []byte(prefixState + chainID)
}

// incrementPrefix returns the smallest key greater than every key with prefix
func incrementPrefix(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
