package decoder

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	gstypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/0xmhha/substrate-indexer/pkg/codec"
)

// decodeFields decodes fields in order into a JSON-ready map keyed by field name.
// Unnamed or repeated names fall back to the field position.
func decodeFields(r *codec.Reader, fields []*registry.Field) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for i, field := range fields {
		value, err := field.FieldDecoder.Decode(r.Decoder)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Name, err)
		}
		out[fieldKey(out, field.Name, i)] = normalizeValue(value)
	}
	return out, nil
}

func fieldKey(seen map[string]any, name string, i int) string {
	if _, dup := seen[name]; name == "" || dup {
		return strconv.Itoa(i)
	}
	return name
}

// normalizeValue converts values produced by registry field decoders into plain JSON
// values. Integers wider than 64 bits become decimal strings and byte sequences become hex.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case registry.DecodedFields:
		return normalizeFields(x)
	case gstypes.UCompact:
		n := big.Int(x)
		return n.String()
	case *gstypes.UCompact:
		if x == nil {
			return nil
		}
		n := big.Int(*x)
		return n.String()
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case []any:
		if b, ok := byteList(x); ok {
			return codec.BytesToHex(b)
		}
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeValue(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.String:
		return rv.String()
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			for i := range b {
				b[i] = byte(rv.Index(i).Uint())
			}
			return codec.BytesToHex(b)
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalizeValue(iter.Value().Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalizeValue(rv.Elem().Interface())
	}
	// U128, I256 and friends wrap a *big.Int
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}

// normalizeFields unwraps single-field composites such as AccountId32([u8; 32])
func normalizeFields(fields registry.DecodedFields) any {
	if len(fields) == 1 {
		return normalizeValue(fields[0].Value)
	}
	out := make(map[string]any, len(fields))
	for i, field := range fields {
		out[fieldKey(out, field.Name, i)] = normalizeValue(field.Value)
	}
	return out
}

// byteList reports whether every item is a u8
func byteList(items []any) ([]byte, bool) {
	if len(items) == 0 {
		return nil, false
	}
	out := make([]byte, len(items))
	for i, item := range items {
		rv := reflect.ValueOf(item)
		if !rv.IsValid() || rv.Kind() != reflect.Uint8 {
			return nil, false
		}
		out[i] = byte(rv.Uint())
	}
	return out, true
}
