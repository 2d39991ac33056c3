package decoder

import (
	"errors"
	"fmt"

	gstypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/0xmhha/substrate-indexer/pkg/codec"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// extrinsic envelope
const (
	signedBit   = 0x80
	versionMask = 0x7f
	extrinsicV4 = 4
)

var (
	errUnsupportedSignature = errors.New("unsupported signature type")
	errUnsupportedAddress   = errors.New("unsupported address kind")
	errUnknownExtension     = errors.New("unknown signed extension")
)

// defaultExtensions is the extra-data layout assumed when no metadata is available
var defaultExtensions = []string{"CheckMortality", "CheckNonce", "ChargeTransactionPayment"}

// emptyExtensions contribute nothing to the extrinsic body
var emptyExtensions = map[string]bool{
	"CheckNonZeroSender":   true,
	"CheckSpecVersion":     true,
	"CheckTxVersion":       true,
	"CheckGenesis":         true,
	"CheckWeight":          true,
	"PrevalidateAttests":   true,
	"StorageWeightReclaim": true,
}

// envelope is the part of an extrinsic in front of its call
type envelope struct {
	signed bool
	signer *string
	nonce  *uint64
	tip    *string
	// call holds the call index followed by the encoded arguments
	call []byte
}

func (e *envelope) apply(ext *types.RawExtrinsic) {
	ext.Signer = e.signer
	ext.Tip = e.tip
	if _, taken := ext.Args["nonce"]; !taken && e.nonce != nil {
		ext.Args["nonce"] = *e.nonce
	}
}

// parseEnvelope reads a length-prefixed v4 extrinsic. Signed extensions are read in the order
// given. On error the returned envelope holds whatever was read before the failure.
func parseEnvelope(raw []byte, extensions []string) (*envelope, error) {
	body, err := codec.NewReader(raw).Bytes()
	if err != nil {
		return nil, fmt.Errorf("length prefix: %w", err)
	}
	r := codec.NewReader(body)
	version, err := r.ReadOneByte()
	if err != nil {
		return nil, fmt.Errorf("version: %w", codec.ErrShortInput)
	}
	if version&versionMask != extrinsicV4 {
		return nil, fmt.Errorf("unsupported extrinsic version %d", version&versionMask)
	}

	env := &envelope{signed: version&signedBit != 0}
	if env.signed {
		if err := env.readSignature(r); err != nil {
			return env, err
		}
		for _, id := range extensions {
			if err := env.readExtension(r, id); err != nil {
				return env, fmt.Errorf("extension %s: %w", id, err)
			}
		}
	}

	if r.Remaining() < 2 {
		return env, fmt.Errorf("call index: %w", codec.ErrShortInput)
	}
	env.call = r.Rest()
	return env, nil
}

func (e *envelope) readSignature(r *codec.Reader) error {
	var addr gstypes.MultiAddress
	if err := r.Decode(&addr); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	switch {
	case addr.IsID:
		signer := codec.BytesToHex(addr.AsID[:])
		e.signer = &signer
	case addr.IsAddress32:
		signer := codec.BytesToHex(addr.AsAddress32[:])
		e.signer = &signer
	case addr.IsIndex, addr.IsRaw, addr.IsAddress20:
	default:
		return errUnsupportedAddress
	}

	var sig gstypes.MultiSignature
	if err := r.Decode(&sig); err != nil {
		return fmt.Errorf("%w: %v", errUnsupportedSignature, err)
	}
	if !sig.IsEd25519 && !sig.IsSr25519 && !sig.IsEcdsa {
		return errUnsupportedSignature
	}
	return nil
}

func (e *envelope) readExtension(r *codec.Reader, id string) error {
	switch id {
	case "CheckMortality", "CheckEra":
		var era gstypes.ExtrinsicEra
		if err := r.Decode(&era); err != nil {
			return fmt.Errorf("%w: %v", codec.ErrShortInput, err)
		}
	case "CheckNonce":
		nonce, err := r.Compact()
		if err != nil {
			return err
		}
		e.nonce = &nonce
	case "ChargeTransactionPayment":
		return e.readTip(r)
	case "ChargeAssetTxPayment":
		if err := e.readTip(r); err != nil {
			return err
		}
		// Option<AssetId>: the asset id type is runtime specific
		some, err := r.ReadOneByte()
		if err != nil {
			return codec.ErrShortInput
		}
		if some != 0 {
			return fmt.Errorf("%w: asset id payment", errUnknownExtension)
		}
	case "CheckMetadataHash":
		if _, err := r.ReadOneByte(); err != nil {
			return codec.ErrShortInput
		}
	default:
		if !emptyExtensions[id] {
			return errUnknownExtension
		}
	}
	return nil
}

// readTip reads a compact balance, which may exceed 64 bits
func (e *envelope) readTip(r *codec.Reader) error {
	if r.Remaining() == 0 {
		return codec.ErrShortInput
	}
	tip, err := r.DecodeUintCompact()
	if err != nil {
		return fmt.Errorf("%w: %v", codec.ErrShortInput, err)
	}
	s := tip.String()
	e.tip = &s
	return nil
}
