package constants

import "time"

// Ops API Constants
const (
	// DefaultAPIHost is the default ops server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default ops server port
	DefaultAPIPort = 3001

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20
)

// Ingestion Constants
const (
	// DefaultBatchSize is the number of heights fetched concurrently during backfill
	DefaultBatchSize = 100

	// MaxBatchSize is the upper bound for the backfill batch size
	MaxBatchSize = 1000

	// DefaultMaxRetries is the default number of retries for a failed block
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the initial delay between block retries
	DefaultRetryDelay = 1 * time.Second

	// MaxRetryDelay caps the exponential retry delay
	MaxRetryDelay = 30 * time.Second

	// DefaultChainID is used when no chain id is configured
	DefaultChainID = "substrate"
)

// RPC Constants
const (
	// DefaultRPCTimeout disables per-call timeouts
	DefaultRPCTimeout = 0 * time.Second

	// DefaultRPCRateLimit is the default request rate per second across the pool (0 = unlimited)
	DefaultRPCRateLimit = 0

	// DefaultRPCRateBurst is the burst allowance of the request limiter
	DefaultRPCRateBurst = 50

	// DefaultSubscriptionBuffer is the channel capacity of a head subscription
	DefaultSubscriptionBuffer = 64

	// ReconnectInitialDelay is the first delay before a subscription reconnect
	ReconnectInitialDelay = 500 * time.Millisecond

	// ReconnectMaxDelay caps subscription reconnect backoff
	ReconnectMaxDelay = 30 * time.Second
)

// Storage Constants
const (
	// DefaultCacheSize is the default cache size in MB for PebbleDB
	DefaultCacheSize = 128 // MB

	// DefaultMaxOpenFiles is the default maximum number of open files for PebbleDB
	DefaultMaxOpenFiles = 1000

	// DefaultWriteBuffer is the default write buffer size in MB for PebbleDB
	DefaultWriteBuffer = 64 // MB

	// DefaultPostgresMaxConns matches the pool size of the reference deployment
	DefaultPostgresMaxConns = 20
)

// WebSocket Constants
const (
	// DefaultWSReadBufferSize is the default WebSocket read buffer size
	DefaultWSReadBufferSize = 1 << 16

	// DefaultWSWriteBufferSize is the default WebSocket write buffer size
	DefaultWSWriteBufferSize = 1024

	// DefaultWSPingInterval is the default WebSocket ping interval
	DefaultWSPingInterval = 30 * time.Second

	// DefaultWSPongTimeout is the default WebSocket pong timeout
	DefaultWSPongTimeout = 60 * time.Second

	// DefaultWSWriteTimeout is the default WebSocket write timeout
	DefaultWSWriteTimeout = 10 * time.Second
)

// Metrics Constants
const (
	// MetricsWindowSize is the number of block completion timestamps kept (2h at 1 block/s)
	MetricsWindowSize = 7200

	// PercentageMultiplier is used for converting fractions to percentages
	PercentageMultiplier = 100
)

// Substrate Constants
const (
	// AccountIDLength is the byte length of a 32-byte public key account id
	AccountIDLength = 32

	// AccountInfoMinLength is the minimum encoded size of System.Account
	AccountInfoMinLength = 80

	// MinAccountHexLength filters event values that cannot be account ids
	MinAccountHexLength = 42

	// SystemAccountPrefix is twox128("System") ++ twox128("Account")
	SystemAccountPrefix = "26aa394eea5630e07c48ae0c9558cef7b99d880ec681799c0cf30e8886371da9"

	// SystemEventsKey is the storage key of System.Events
	SystemEventsKey = "0x26aa394eea5630e07c48ae0c9558cef780d41e5e16056765bc8461851072c9d7"
)

// Redis Publisher Constants
const (
	// DefaultRedisChannelPrefix prefixes every published channel
	DefaultRedisChannelPrefix = "substrate"

	// DefaultPublishTimeout bounds a single publish call
	DefaultPublishTimeout = 2 * time.Second
)
