package ingest

import (
	"context"

	"github.com/0xmhha/substrate-indexer/pkg/client"
)

// HeadSubscription delivers newest-first header lists until Unsubscribe
type HeadSubscription interface {
	Headers() <-chan []client.Header
	Err() <-chan error
	Unsubscribe()
}

// Subscriber opens the finalized and best head streams
type Subscriber interface {
	SubscribeFinalized(ctx context.Context) (HeadSubscription, error)
	SubscribeBest(ctx context.Context) (HeadSubscription, error)
}

// WSSubscriber opens head streams over the node websocket endpoint
type WSSubscriber struct {
	Config client.SubscriptionConfig
}

// SubscribeFinalized implements Subscriber
func (w *WSSubscriber) SubscribeFinalized(ctx context.Context) (HeadSubscription, error) {
	sub, err := client.SubscribeFinalizedHeads(ctx, &w.Config)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// SubscribeBest implements Subscriber
func (w *WSSubscriber) SubscribeBest(ctx context.Context) (HeadSubscription, error) {
	sub, err := client.SubscribeBestHeads(ctx, &w.Config)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
