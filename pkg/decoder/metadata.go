package decoder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	gstypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	gscodec "github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/0xmhha/substrate-indexer/pkg/codec"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

const metadataV14 = 14

// MetadataSource fetches the SCALE-encoded runtime metadata in force at a block
type MetadataSource interface {
	GetMetadata(ctx context.Context, at string) ([]byte, error)
}

// runtimeRegistry is everything needed to decode bodies of one spec version
type runtimeRegistry struct {
	events     registry.EventRegistry
	calls      registry.CallRegistry
	extensions []string
}

// MetadataDecoder decodes calls and events with the metadata of each spec version.
// Metadata is fetched once per spec version; versions whose metadata cannot be used are
// remembered and decoded by the RawDecoder.
type MetadataDecoder struct {
	source MetadataSource
	raw    *RawDecoder
	logger *zap.Logger
	build  func(data []byte) (*runtimeRegistry, error)

	mu       sync.RWMutex
	runtimes map[uint32]*runtimeRegistry
	loads    singleflight.Group
}

// NewMetadataDecoder creates a decoder reading metadata from source
func NewMetadataDecoder(source MetadataSource, logger *zap.Logger) *MetadataDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataDecoder{
		source:   source,
		raw:      NewRawDecoder(logger),
		logger:   logger,
		build:    buildRegistry,
		runtimes: make(map[uint32]*runtimeRegistry),
	}
}

// buildRegistry parses v14 metadata into call and event registries
func buildRegistry(data []byte) (*runtimeRegistry, error) {
	var meta gstypes.Metadata
	if err := gscodec.Decode(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if meta.Version != metadataV14 {
		return nil, fmt.Errorf("unsupported metadata version %d", meta.Version)
	}

	factory := registry.NewFactory()
	events, err := factory.CreateEventRegistry(&meta)
	if err != nil {
		return nil, fmt.Errorf("failed to build event registry: %w", err)
	}
	calls, err := factory.CreateCallRegistry(&meta)
	if err != nil {
		return nil, fmt.Errorf("failed to build call registry: %w", err)
	}

	signed := meta.AsMetadataV14.Extrinsic.SignedExtensions
	extensions := make([]string, 0, len(signed))
	for _, ext := range signed {
		extensions = append(extensions, string(ext.Identifier))
	}
	return &runtimeRegistry{events: events, calls: calls, extensions: extensions}, nil
}

// Evict drops the cached registry of specVersion
func (d *MetadataDecoder) Evict(specVersion uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runtimes, specVersion)
}

// Len returns the number of cached spec versions
func (d *MetadataDecoder) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.runtimes)
}

// runtime returns the registry of rt, loading it on first use. A nil registry means the
// version is decoded without metadata. Fetch failures are returned and not cached.
func (d *MetadataDecoder) runtime(ctx context.Context, rt Runtime) (*runtimeRegistry, error) {
	d.mu.RLock()
	reg, ok := d.runtimes[rt.SpecVersion]
	d.mu.RUnlock()
	if ok {
		return reg, nil
	}

	v, err, _ := d.loads.Do(strconv.FormatUint(uint64(rt.SpecVersion), 10), func() (any, error) {
		d.mu.RLock()
		reg, ok := d.runtimes[rt.SpecVersion]
		d.mu.RUnlock()
		if ok {
			return reg, nil
		}

		data, err := d.source.GetMetadata(ctx, rt.BlockHash)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch metadata for spec version %d: %w", rt.SpecVersion, err)
		}
		reg, err = d.build(data)
		if err != nil {
			d.logger.Warn("runtime metadata unusable, decoding without it",
				zap.Uint32("specVersion", rt.SpecVersion),
				zap.Error(err),
			)
			reg = nil
		} else {
			d.logger.Info("loaded runtime metadata",
				zap.Uint32("specVersion", rt.SpecVersion),
				zap.Int("calls", len(reg.calls)),
				zap.Int("events", len(reg.events)),
			)
		}

		d.mu.Lock()
		d.runtimes[rt.SpecVersion] = reg
		d.mu.Unlock()
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	reg, _ = v.(*runtimeRegistry)
	return reg, nil
}

// DecodeExtrinsics implements Decoder. Extrinsics whose call does not decode fully are
// reported as Unknown with their raw bytes.
func (d *MetadataDecoder) DecodeExtrinsics(ctx context.Context, rt Runtime, encoded [][]byte) ([]*types.RawExtrinsic, error) {
	reg, err := d.runtime(ctx, rt)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return d.raw.DecodeExtrinsics(ctx, rt, encoded)
	}

	out := make([]*types.RawExtrinsic, 0, len(encoded))
	for i, raw := range encoded {
		ext, err := reg.decodeExtrinsic(uint32(i), raw)
		if err != nil {
			d.logger.Debug("extrinsic not decoded with metadata",
				zap.Uint32("specVersion", rt.SpecVersion),
				zap.Int("index", i),
				zap.Error(err),
			)
			ext = d.raw.decodeExtrinsic(uint32(i), raw, reg.extensions)
		}
		out = append(out, ext)
	}
	return out, nil
}

// DecodeEvents implements Decoder. Records are self-delimiting only through their types, so
// a record that fails to decode ends the list and the records before it are returned.
func (d *MetadataDecoder) DecodeEvents(ctx context.Context, rt Runtime, data []byte) ([]*types.RawEvent, error) {
	if len(data) == 0 {
		return []*types.RawEvent{}, nil
	}
	reg, err := d.runtime(ctx, rt)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return d.raw.DecodeEvents(ctx, rt, data)
	}

	r := codec.NewReader(data)
	count, err := r.Compact()
	if err != nil {
		d.logger.Warn("event list not decoded", zap.Uint32("specVersion", rt.SpecVersion), zap.Error(err))
		return []*types.RawEvent{}, nil
	}

	out := make([]*types.RawEvent, 0, min(count, uint64(r.Remaining())))
	for i := uint64(0); i < count; i++ {
		evt, err := reg.decodeEvent(r, uint32(i))
		if err != nil {
			d.logger.Warn("event record not decoded, dropping the remaining records",
				zap.Uint32("specVersion", rt.SpecVersion),
				zap.Uint64("index", i),
				zap.Uint64("count", count),
				zap.Error(err),
			)
			break
		}
		out = append(out, evt)
	}
	return out, nil
}

func (reg *runtimeRegistry) decodeExtrinsic(index uint32, raw []byte) (*types.RawExtrinsic, error) {
	env, err := parseEnvelope(raw, reg.extensions)
	if err != nil {
		return nil, err
	}

	r := codec.NewReader(env.call)
	var idx gstypes.CallIndex
	if err := r.Decode(&idx); err != nil {
		return nil, fmt.Errorf("call index: %w", err)
	}
	call, ok := reg.calls[idx]
	if !ok {
		return nil, fmt.Errorf("unknown call index %d.%d", idx.SectionIndex, idx.MethodIndex)
	}
	args, err := decodeFields(r, call.Fields)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Name, err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%s: %d trailing bytes", call.Name, r.Remaining())
	}

	hash := TxHash(raw)
	module, name := splitName(call.Name)
	ext := &types.RawExtrinsic{
		Index:  index,
		Hash:   &hash,
		Module: module,
		Call:   name,
		Args:   args,
	}
	env.apply(ext)
	return ext, nil
}

func (reg *runtimeRegistry) decodeEvent(r *codec.Reader, index uint32) (*types.RawEvent, error) {
	var phase gstypes.Phase
	if err := r.Decode(&phase); err != nil {
		return nil, fmt.Errorf("phase: %w", err)
	}
	var id gstypes.EventID
	if err := r.Decode(&id); err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}
	typ, ok := reg.events[id]
	if !ok {
		return nil, fmt.Errorf("unknown event id %d.%d", id[0], id[1])
	}
	data, err := decodeFields(r, typ.Fields)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", typ.Name, err)
	}
	var topics []gstypes.Hash
	if err := r.Decode(&topics); err != nil {
		return nil, fmt.Errorf("%s topics: %w", typ.Name, err)
	}

	module, name := splitName(typ.Name)
	evt := &types.RawEvent{
		Index:  index,
		Module: module,
		Event:  name,
		Data:   data,
	}
	switch {
	case phase.IsApplyExtrinsic:
		idx := uint32(phase.AsApplyExtrinsic)
		evt.ExtrinsicIndex = &idx
		evt.PhaseType = types.PhaseApplyExtrinsic
	case phase.IsFinalization:
		evt.PhaseType = types.PhaseFinalization
	default:
		evt.PhaseType = types.PhaseInitialization
	}
	return evt, nil
}

// splitName splits a registry name of the form "Pallet.Item"
func splitName(name string) (string, string) {
	module, item, ok := strings.Cut(name, ".")
	if !ok {
		return UnknownModule, name
	}
	return module, item
}
