package chainstate

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/codec"
	"github.com/OneOfOne/xxhash"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidAccountID is returned when an account id is not 32 bytes of hex
var ErrInvalidAccountID = errors.New("invalid account id")

// Twox128 is the 128-bit xxhash used to hash pallet and storage item names
func Twox128(data []byte) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], xxhash.Checksum64S(data, 0))
	binary.LittleEndian.PutUint64(out[8:16], xxhash.Checksum64S(data, 1))
	return out
}

// Blake2b128 is the 128-bit blake2b hash used by Blake2_128Concat map hashers
func Blake2b128(data []byte) []byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// only reachable with an invalid size
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// StoragePrefix returns twox128(pallet) ++ twox128(item) as plain hex
func StoragePrefix(pallet, item string) string {
	return hex.EncodeToString(Twox128([]byte(pallet))) + hex.EncodeToString(Twox128([]byte(item)))
}

// StorageValueKey returns the 0x-prefixed key of a plain storage value
func StorageValueKey(pallet, item string) string {
	return "0x" + StoragePrefix(pallet, item)
}

// SystemAccountKey derives the System.Account key for a 32-byte public key in hex
func SystemAccountKey(accountID string) (string, error) {
	id, err := codec.HexToBytes(accountID)
	if err != nil || len(id) != constants.AccountIDLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountID, accountID)
	}
	return "0x" + constants.SystemAccountPrefix + hex.EncodeToString(Blake2b128(id)) + hex.EncodeToString(id), nil
}
