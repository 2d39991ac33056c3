package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subscription methods. go-ethereum's rpc.Client.Subscribe derives "<ns>_subscribe"
// names, which Substrate does not use, so subscriptions run over a dedicated socket.
const (
	subscribeFinalized   = "chain_subscribeFinalizedHeads"
	unsubscribeFinalized = "chain_unsubscribeFinalizedHeads"
	notifyFinalized      = "chain_finalizedHead"

	subscribeBest   = "chain_subscribeNewHeads"
	unsubscribeBest = "chain_unsubscribeNewHeads"
	notifyBest      = "chain_newHead"
)

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Params *struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

// SubscriptionConfig holds head subscription settings
type SubscriptionConfig struct {
	Endpoint     string
	Buffer       int
	PingInterval time.Duration
	PongTimeout  time.Duration
	// MaxReconnectDelay caps the reconnect backoff
	MaxReconnectDelay time.Duration
	Logger            *zap.Logger
}

func (c *SubscriptionConfig) withDefaults() SubscriptionConfig {
	out := *c
	if out.Buffer <= 0 {
		out.Buffer = constants.DefaultSubscriptionBuffer
	}
	if out.PingInterval <= 0 {
		out.PingInterval = constants.DefaultWSPingInterval
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = constants.DefaultWSPongTimeout
	}
	if out.MaxReconnectDelay <= 0 {
		out.MaxReconnectDelay = constants.ReconnectMaxDelay
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Subscription delivers head notifications until Unsubscribe is called.
// Each notification is a newest-first list of headers.
// Connection loss is handled by reconnecting with exponential backoff.
type Subscription struct {
	cfg         SubscriptionConfig
	subscribe   string
	unsubscribe string
	notify      string

	headers chan []Header
	errc    chan error
	quit    chan struct{}
	once    sync.Once
	done    chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	subID  json.RawMessage
	nextID uint64
	logger *zap.Logger
}

// SubscribeFinalizedHeads subscribes to finalized block headers
func SubscribeFinalizedHeads(ctx context.Context, cfg *SubscriptionConfig) (*Subscription, error) {
	return newSubscription(ctx, cfg, subscribeFinalized, unsubscribeFinalized, notifyFinalized)
}

// SubscribeBestHeads subscribes to new best block headers
func SubscribeBestHeads(ctx context.Context, cfg *SubscriptionConfig) (*Subscription, error) {
	return newSubscription(ctx, cfg, subscribeBest, unsubscribeBest, notifyBest)
}

func newSubscription(ctx context.Context, cfg *SubscriptionConfig, sub, unsub, notify string) (*Subscription, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("websocket endpoint cannot be empty")
	}
	c := cfg.withDefaults()

	s := &Subscription{
		cfg:         c,
		subscribe:   sub,
		unsubscribe: unsub,
		notify:      notify,
		headers:     make(chan []Header, c.Buffer),
		errc:        make(chan error, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      c.Logger.With(zap.String("subscription", sub)),
	}

	// the first connection is established synchronously so configuration errors surface to the caller
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	go s.run()
	return s, nil
}

// Headers returns the notification channel. It is closed after Unsubscribe.
func (s *Subscription) Headers() <-chan []Header {
	return s.headers
}

// Err reports a terminal subscription failure. It is closed after Unsubscribe.
func (s *Subscription) Err() <-chan error {
	return s.errc
}

// Unsubscribe stops the subscription and waits for the reader to exit
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.mu.Lock()
		if s.conn != nil {
			if s.subID != nil {
				_ = s.writeLocked(s.unsubscribe, []interface{}{s.subID})
			}
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(constants.DefaultWSWriteTimeout))
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
}

func (s *Subscription) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: constants.DefaultWSWriteTimeout,
		ReadBufferSize:   constants.DefaultWSReadBufferSize,
		WriteBufferSize:  constants.DefaultWSWriteBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.cfg.Endpoint, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.subID = nil
	id := s.nextID + 1
	err = s.writeLocked(s.subscribe, []interface{}{})
	s.mu.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to send %s: %w", s.subscribe, err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return fmt.Errorf("failed to read %s response: %w", s.subscribe, err)
		}
		if msg.ID == nil || *msg.ID != id {
			continue
		}
		if msg.Error != nil {
			conn.Close()
			return fmt.Errorf("%s failed: %s (code %d)", s.subscribe, msg.Error.Message, msg.Error.Code)
		}
		s.mu.Lock()
		s.subID = msg.Result
		s.mu.Unlock()
		break
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

	s.logger.Info("head subscription established", zap.String("endpoint", s.cfg.Endpoint))
	return nil
}

// writeLocked sends a request; s.mu must be held
func (s *Subscription) writeLocked(method string, params []interface{}) error {
	s.nextID++
	s.conn.SetWriteDeadline(time.Now().Add(constants.DefaultWSWriteTimeout))
	return s.conn.WriteJSON(wsRequest{JSONRPC: "2.0", ID: s.nextID, Method: method, Params: params})
}

func (s *Subscription) run() {
	defer close(s.done)
	defer close(s.headers)
	defer close(s.errc)

	for {
		s.readLoop()

		select {
		case <-s.quit:
			return
		default:
		}

		if !s.reconnect() {
			return
		}
	}
}

// readLoop forwards notifications until the connection fails or quit is closed
func (s *Subscription) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.DefaultWSWriteTimeout)); err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.quit:
			default:
				s.logger.Warn("head subscription connection lost", zap.Error(err))
			}
			conn.Close()
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if msg.Method != s.notify || msg.Params == nil {
			continue
		}
		var header Header
		if err := json.Unmarshal(msg.Params.Result, &header); err != nil {
			s.logger.Warn("failed to decode head notification", zap.Error(err))
			continue
		}

		select {
		case s.headers <- []Header{header}:
		case <-s.quit:
			return
		}
	}
}

// reconnect retries connect with exponential backoff until it succeeds or quit is closed
func (s *Subscription) reconnect() bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = constants.ReconnectInitialDelay
	b.MaxInterval = s.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := backoff.RetryNotify(func() error {
		return s.connect(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		s.logger.Warn("head subscription reconnect failed",
			zap.Error(err),
			zap.Duration("retryIn", next),
		)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.errc <- err
		}
		return false
	}

	// Unsubscribe may have raced with a successful reconnect
	select {
	case <-s.quit:
		s.mu.Lock()
		s.conn.Close()
		s.mu.Unlock()
		return false
	default:
		return true
	}
}
