package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	pubnub "github.com/pubnub/go"
)

// PubNubBus fans out over a PubNub channel shared by every process.
type PubNubBus struct {
	pn      *pubnub.PubNub
	channel string
	logger  *slog.Logger

	mu       sync.Mutex
	listener *pubnub.Listener
	cancel   context.CancelFunc
}

func NewPubNubBus(pn *pubnub.PubNub, channel string) *PubNubBus {
	return &PubNubBus{
		pn:      pn,
		channel: channel,
		logger:  slog.With("component", "pubnub_bus", "channel", channel),
	}
}

func (b *PubNubBus) Name() string { return "pubnub" }

func (b *PubNubBus) Publish(ctx context.Context, payload []byte) error {
	_, _, err := b.pn.Publish().
		Channel(b.channel).
		Message(string(payload)).
		Execute()
	if err != nil {
		return fmt.Errorf("pubnub publish: %w", err)
	}
	return nil
}

func (b *PubNubBus) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	ctx, cancel := context.WithCancel(ctx)
	listener := pubnub.NewListener()

	b.mu.Lock()
	b.listener = listener
	b.cancel = cancel
	b.mu.Unlock()

	b.pn.AddListener(listener)
	b.pn.Subscribe().Channels([]string{b.channel}).Execute()

	go func() {
		for {
			select {
			case st := <-listener.Status:
				switch st.Category {
				case pubnub.PNConnectedCategory:
					b.logger.Info("Connected to pubnub")
				case pubnub.PNDisconnectedCategory:
					b.logger.Warn("Disconnected from pubnub")
				case pubnub.PNAccessDeniedCategory:
					b.logger.Error("Access denied by pubnub")
				}
			case msg := <-listener.Message:
				payload, err := decodePubNubMessage(msg.Message)
				if err != nil {
					b.logger.Warn("Discarding pubnub message", "error", err)
					continue
				}
				handler(payload)
			case <-listener.Presence:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (b *PubNubBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return nil
	}
	b.pn.Unsubscribe().Channels([]string{b.channel}).Execute()
	b.pn.RemoveListener(b.listener)
	b.cancel()
	b.cancel = nil
	return nil
}

// decodePubNubMessage returns the raw envelope. Messages published by this
// bus arrive as strings; anything already decoded is re-encoded.
func decodePubNubMessage(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case nil:
		return nil, fmt.Errorf("empty message")
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	default:
		return json.Marshal(m)
	}
}
