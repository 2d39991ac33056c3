// Package codec holds the byte-level helpers shared by the decoders: 0x-hex
// conversion and positioned reads of SCALE primitives used by Substrate storage.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	gstypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	gscodec "github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrShortInput is returned when a reader runs past the end of its input
	ErrShortInput = errors.New("codec: input too short")

	// ErrInvalidCompact is returned for a malformed compact integer
	ErrInvalidCompact = errors.New("codec: invalid compact encoding")
)

// HexToBytes decodes a hex string with or without the 0x prefix
func HexToBytes(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if s == "0x" || s == "0X" {
		return []byte{}, nil
	}
	b, err := hexutil.Decode(strings.ToLower(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

// BytesToHex encodes b as lowercase 0x-prefixed hex
func BytesToHex(b []byte) string {
	return hexutil.Encode(b)
}

// StripHexPrefix removes a leading 0x
func StripHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

// ReadU32LE reads a little-endian u32 at offset
func ReadU32LE(b []byte, offset int) (uint32, error) {
	var v gstypes.U32
	if err := decodeAt(b, offset, 4, &v); err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// ReadU64LE reads a little-endian u64 at offset
func ReadU64LE(b []byte, offset int) (uint64, error) {
	var v gstypes.U64
	if err := decodeAt(b, offset, 8, &v); err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// ReadU128LE reads a little-endian u128 at offset as an unsigned big.Int
func ReadU128LE(b []byte, offset int) (*big.Int, error) {
	var v gstypes.U128
	if err := decodeAt(b, offset, 16, &v); err != nil {
		return nil, err
	}
	return v.Int, nil
}

func decodeAt(b []byte, offset, size int, target any) error {
	if offset < 0 || len(b) < offset+size {
		return ErrShortInput
	}
	if err := gscodec.Decode(b[offset:offset+size], target); err != nil {
		return fmt.Errorf("%w: %v", ErrShortInput, err)
	}
	return nil
}

// DecodeCompact decodes a SCALE compact integer and returns it with the number of bytes read.
// Values beyond 64 bits return ErrInvalidCompact.
func DecodeCompact(b []byte) (uint64, int, error) {
	r := NewReader(b)
	v, err := r.Compact()
	if err != nil {
		return 0, 0, err
	}
	return v, r.Offset(), nil
}

// Reader is a SCALE decoder over an in-memory buffer that tracks its position
type Reader struct {
	*scale.Decoder
	data []byte
	buf  *bytes.Reader
}

// NewReader creates a Reader positioned at the start of b
func NewReader(b []byte) *Reader {
	buf := bytes.NewReader(b)
	return &Reader{Decoder: scale.NewDecoder(buf), data: b, buf: buf}
}

// Offset returns the number of bytes consumed so far
func (r *Reader) Offset() int {
	return len(r.data) - r.buf.Len()
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	return r.buf.Len()
}

// Rest returns the unread bytes without consuming them
func (r *Reader) Rest() []byte {
	return r.data[r.Offset():]
}

// Compact reads a compact integer that fits in 64 bits
func (r *Reader) Compact() (uint64, error) {
	if r.Remaining() == 0 {
		return 0, ErrShortInput
	}
	// big-integer mode carries its byte length in the upper six bits
	if first := r.data[r.Offset()]; first&0b11 == 0b11 && int(first>>2)+4 > 8 {
		return 0, ErrInvalidCompact
	}
	v, err := r.DecodeUintCompact()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrShortInput, err)
	}
	if !v.IsUint64() {
		return 0, ErrInvalidCompact
	}
	return v.Uint64(), nil
}

// Bytes reads a compact-length-prefixed byte vector
func (r *Reader) Bytes() ([]byte, error) {
	length, err := r.Compact()
	if err != nil {
		return nil, err
	}
	if length > uint64(r.Remaining()) {
		return nil, ErrShortInput
	}
	out := make([]byte, length)
	if length == 0 {
		return out, nil
	}
	if err := r.Read(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortInput, err)
	}
	return out, nil
}
