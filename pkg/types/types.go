package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// BlockStatus is the finality status of an indexed block
type BlockStatus string

const (
	// BlockStatusBest marks an optimistic block taken from the best chain head
	BlockStatusBest BlockStatus = "best"
	// BlockStatusFinalized marks a block irreversibly committed by consensus
	BlockStatusFinalized BlockStatus = "finalized"
)

// Valid reports whether s is a known status
func (s BlockStatus) Valid() bool {
	return s == BlockStatusBest || s == BlockStatusFinalized
}

// SyncState is the pipeline state stored in IndexerState
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateLive    SyncState = "live"
)

// PhaseType is where in block execution an event was emitted
type PhaseType string

const (
	PhaseApplyExtrinsic PhaseType = "ApplyExtrinsic"
	PhaseFinalization   PhaseType = "Finalization"
	PhaseInitialization PhaseType = "Initialization"
)

// DigestLog is one decoded header digest item
type DigestLog struct {
	Type   string  `json:"type"`
	Engine *string `json:"engine"`
	Data   string  `json:"data"`
}

// Block is the canonical block record. Height is the natural key.
type Block struct {
	Height         uint64      `json:"height"`
	Hash           string      `json:"hash"`
	ParentHash     string      `json:"parentHash"`
	StateRoot      string      `json:"stateRoot"`
	ExtrinsicsRoot string      `json:"extrinsicsRoot"`
	Timestamp      *int64      `json:"timestamp"`
	ValidatorID    *string     `json:"validatorId"`
	Status         BlockStatus `json:"status"`
	SpecVersion    uint32      `json:"specVersion"`
	EventCount     int         `json:"eventCount"`
	ExtrinsicCount int         `json:"extrinsicCount"`
	DigestLogs     []DigestLog `json:"digestLogs"`
}

// Extrinsic is a transaction-like unit of work included in a block
type Extrinsic struct {
	ID          string         `json:"id"`
	BlockHeight uint64         `json:"blockHeight"`
	TxHash      *string        `json:"txHash"`
	Index       uint32         `json:"index"`
	Signer      *string        `json:"signer"`
	Module      string         `json:"module"`
	Call        string         `json:"call"`
	Args        map[string]any `json:"args"`
	Success     bool           `json:"success"`
	Fee         *string        `json:"fee"`
	Tip         *string        `json:"tip"`
}

// Phase records the execution phase of an event. Index is set for ApplyExtrinsic only.
type Phase struct {
	Type  PhaseType `json:"type"`
	Index *uint32   `json:"index,omitempty"`
}

// Event is a runtime event emitted while executing a block
type Event struct {
	ID          string         `json:"id"`
	BlockHeight uint64         `json:"blockHeight"`
	ExtrinsicID *string        `json:"extrinsicId"`
	Index       uint32         `json:"index"`
	Module      string         `json:"module"`
	Event       string         `json:"event"`
	Data        map[string]any `json:"data"`
	Phase       Phase          `json:"phase"`
}

// Account tracks the first and last block an address was seen in
type Account struct {
	Address         string `json:"address"`
	LastActiveBlock uint64 `json:"lastActiveBlock"`
	CreatedAtBlock  uint64 `json:"createdAtBlock"`
}

// IndexerState is the per-chain sync progress row
type IndexerState struct {
	ChainID            string    `json:"chainId"`
	ChainTip           uint64    `json:"chainTip"`
	LastFinalizedBlock uint64    `json:"lastFinalizedBlock"`
	State              SyncState `json:"state"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// BlockContext is passed to extension hooks alongside each entity
type BlockContext struct {
	BlockHeight uint64 `json:"blockHeight"`
	BlockHash   string `json:"blockHash"`
	Timestamp   *int64 `json:"timestamp"`
	SpecVersion uint32 `json:"specVersion"`
}

// RawBlock is a fetched and decoded block that has not been normalized yet
type RawBlock struct {
	Number         uint64
	Hash           string
	ParentHash     string
	StateRoot      string
	ExtrinsicsRoot string
	Extrinsics     []*RawExtrinsic
	Events         []*RawEvent
	DigestLogs     []DigestLog
	Timestamp      *int64
	ValidatorID    *string
	SpecVersion    uint32
}

// RawExtrinsic is one decoded extrinsic of a RawBlock
type RawExtrinsic struct {
	Index  uint32
	Hash   *string
	Signer *string
	Module string
	Call   string
	Args   map[string]any
	Tip    *string
}

// RawEvent is one decoded event record of a RawBlock
type RawEvent struct {
	Index          uint32
	ExtrinsicIndex *uint32
	Module         string
	Event          string
	Data           map[string]any
	PhaseType      PhaseType
}

// Context builds the hook context for the block
func (b *RawBlock) Context() *BlockContext {
	return &BlockContext{
		BlockHeight: b.Number,
		BlockHash:   b.Hash,
		Timestamp:   b.Timestamp,
		SpecVersion: b.SpecVersion,
	}
}

// EntityID formats the "{height}-{index}" identifier shared by extrinsics and events
func EntityID(height uint64, index uint32) string {
	return fmt.Sprintf("%d-%d", height, index)
}

// LiveAccountInfo is the decoded System.Account storage value. It is never persisted.
type LiveAccountInfo struct {
	Nonce       uint32
	Consumers   uint32
	Providers   uint32
	Sufficients uint32
	Free        *big.Int
	Reserved    *big.Int
	Frozen      *big.Int
	Flags       *big.Int
}

// liveAccountInfoJSON renders 128-bit balances as decimal strings
type liveAccountInfoJSON struct {
	Nonce       uint32 `json:"nonce"`
	Consumers   uint32 `json:"consumers"`
	Providers   uint32 `json:"providers"`
	Sufficients uint32 `json:"sufficients"`
	Free        string `json:"free"`
	Reserved    string `json:"reserved"`
	Frozen      string `json:"frozen"`
	Flags       string `json:"flags"`
}

// MarshalJSON implements json.Marshaler
func (a *LiveAccountInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(liveAccountInfoJSON{
		Nonce:       a.Nonce,
		Consumers:   a.Consumers,
		Providers:   a.Providers,
		Sufficients: a.Sufficients,
		Free:        decimal(a.Free),
		Reserved:    decimal(a.Reserved),
		Frozen:      decimal(a.Frozen),
		Flags:       decimal(a.Flags),
	})
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
