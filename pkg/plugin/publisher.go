package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// PublisherID is the extension id of the Redis publisher
const PublisherID = "publisher"

// RedisPublisher is the subset of the Redis client used for publishing
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// PublisherConfig configures the Redis publisher extension
type PublisherConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	Timeout       time.Duration
}

// Notification is the JSON payload published for each persisted entity
type Notification struct {
	Kind    string              `json:"kind"`
	Context *types.BlockContext `json:"context"`
	Data    any                 `json:"data"`
}

// Publisher publishes blocks, extrinsics and events to Redis Pub/Sub channels
// named "{prefix}:blocks", "{prefix}:extrinsics" and "{prefix}:events".
// Notifications are held per block and only sent once the block has committed.
type Publisher struct {
	client  RedisPublisher
	closer  func() error
	prefix  string
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[*types.BlockContext][]pendingMessage
}

type pendingMessage struct {
	channel string
	payload []byte
}

var (
	_ BlockHandler     = (*Publisher)(nil)
	_ ExtrinsicHandler = (*Publisher)(nil)
	_ EventHandler     = (*Publisher)(nil)
	_ CommitHandler    = (*Publisher)(nil)
)

// NewRedisPublisher connects to Redis and checks the connection
func NewRedisPublisher(ctx context.Context, cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Addr, err)
	}

	p := NewPublisher(client, cfg, logger)
	p.closer = client.Close
	return p, nil
}

// NewPublisher wraps an existing client
func NewPublisher(client RedisPublisher, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = constants.DefaultRedisChannelPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultPublishTimeout
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.With(zap.String("extension", PublisherID)),
		pending: make(map[*types.BlockContext][]pendingMessage),
	}
}

// ID implements Extension
func (p *Publisher) ID() string {
	return PublisherID
}

// Channel returns the channel name for kind
func (p *Publisher) Channel(kind string) string {
	return p.prefix + ":" + kind
}

// OnBlock implements BlockHandler
func (p *Publisher) OnBlock(ctx context.Context, bc *types.BlockContext, block *types.Block) error {
	return p.enqueue("blocks", bc, block)
}

// OnExtrinsic implements ExtrinsicHandler
func (p *Publisher) OnExtrinsic(ctx context.Context, bc *types.BlockContext, ext *types.Extrinsic) error {
	return p.enqueue("extrinsics", bc, ext)
}

// OnEvent implements EventHandler
func (p *Publisher) OnEvent(ctx context.Context, bc *types.BlockContext, evt *types.Event) error {
	return p.enqueue("events", bc, evt)
}

// OnCommit implements CommitHandler. It sends the notifications held for bc in
// persistence order and reports the first failure.
func (p *Publisher) OnCommit(ctx context.Context, bc *types.BlockContext) error {
	msgs := p.take(bc)
	var firstErr error
	for _, msg := range msgs {
		if err := p.publish(ctx, msg.channel, msg.payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnRollback implements CommitHandler
func (p *Publisher) OnRollback(ctx context.Context, bc *types.BlockContext) {
	if dropped := len(p.take(bc)); dropped > 0 {
		p.logger.Debug("dropping notifications of uncommitted block", zap.Int("count", dropped))
	}
}

// pendingCount returns the number of notifications waiting for a commit
func (p *Publisher) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msgs := range p.pending {
		n += len(msgs)
	}
	return n
}

// Close releases the Redis connection when the publisher owns it
func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

func (p *Publisher) enqueue(kind string, bc *types.BlockContext, data any) error {
	payload, err := json.Marshal(Notification{Kind: kind, Context: bc, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s notification: %w", kind, err)
	}

	p.mu.Lock()
	p.pending[bc] = append(p.pending[bc], pendingMessage{channel: p.Channel(kind), payload: payload})
	p.mu.Unlock()
	return nil
}

func (p *Publisher) take(bc *types.BlockContext) []pendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.pending[bc]
	delete(p.pending, bc)
	return msgs
}

func (p *Publisher) publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}
