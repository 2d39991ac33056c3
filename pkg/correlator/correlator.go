// Package correlator links runtime events back to the extrinsics that emitted them.
package correlator

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// EnrichExtrinsics sets Success and Fee on extrinsics from the block's events.
//
// Fee priority: TransactionPayment.TransactionFeePaid actual fee always wins.
// A Balances.Withdraw amount is only used for signed extrinsics that have no fee yet.
func EnrichExtrinsics(extrinsics []*types.Extrinsic, events []*types.RawEvent) {
	byIndex := make(map[uint32]*types.Extrinsic, len(extrinsics))
	for _, ext := range extrinsics {
		byIndex[ext.Index] = ext
	}

	for _, evt := range events {
		if evt == nil || evt.ExtrinsicIndex == nil {
			continue
		}
		ext, ok := byIndex[*evt.ExtrinsicIndex]
		if !ok {
			continue
		}

		switch evt.Module + "." + evt.Event {
		case "System.ExtrinsicFailed":
			ext.Success = false
		case "TransactionPayment.TransactionFeePaid":
			fee, ok := lookup(evt.Data, "actual_fee", "actualFee")
			if !ok {
				continue
			}
			if s, ok := Decimal(fee); ok {
				ext.Fee = &s
			}
		case "Balances.Withdraw":
			if ext.Signer == nil || ext.Fee != nil {
				continue
			}
			amount, ok := lookup(evt.Data, "amount")
			if !ok {
				continue
			}
			if s, ok := Decimal(amount); ok {
				ext.Fee = &s
			}
		}
	}
}

func lookup(data map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Decimal renders a numeric JSON-ish value as a base-10 integer string
func Decimal(v any) (string, bool) {
	switch n := v.(type) {
	case string:
		s := strings.TrimSpace(n)
		if strings.HasPrefix(s, "0x") {
			b, ok := new(big.Int).SetString(s[2:], 16)
			if !ok {
				return "", false
			}
			return b.String(), true
		}
		b, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return "", false
		}
		return b.String(), true
	case json.Number:
		return Decimal(n.String())
	case *big.Int:
		if n == nil {
			return "", false
		}
		return n.String(), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return "", false
		}
		return new(big.Float).SetFloat64(n).Text('f', 0), true
	case int:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case uint64:
		return strconv.FormatUint(n, 10), true
	case uint32:
		return strconv.FormatUint(uint64(n), 10), true
	case fmt.Stringer:
		return Decimal(n.String())
	default:
		return "", false
	}
}

// accountFields lists the event fields that carry account ids, in extraction order
var accountFields = map[string][]string{
	"Balances.Transfer":    {"from", "to"},
	"Balances.Endowed":     {"who", "account"},
	"Balances.DustLost":    {"who", "account"},
	"Balances.BalanceSet":  {"who", "account"},
	"Balances.Reserved":    {"who", "account"},
	"Balances.Unreserved":  {"who", "account"},
	"Balances.Slashed":     {"who", "account"},
	"Balances.Frozen":      {"who", "account"},
	"Balances.Thawed":      {"who", "account"},
	"Balances.Deposit":     {"who"},
	"Balances.Withdraw":    {"who"},
	"System.NewAccount":    {"account"},
	"System.KilledAccount": {"account"},
	"Staking.Rewarded":     {"stash"},
	"Staking.Slashed":      {"staker"},
}

// ExtractAccounts returns the account ids referenced by a well-known event.
// Values that are not 0x-hex of at least 42 characters are dropped.
func ExtractAccounts(module, event string, data map[string]any) []string {
	fields, ok := accountFields[module+"."+event]
	if !ok || data == nil {
		return []string{}
	}

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		s, ok := data[f].(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(s, "0x") && len(s) >= constants.MinAccountHexLength {
			out = append(out, s)
		}
	}
	return out
}
