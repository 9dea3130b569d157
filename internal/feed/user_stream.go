// Package feed connects the engine to the outside world: the user data
// stream, the combined mark-price stream and the HTTP signal source.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/triplewz/ironguard/internal/platform/binance"
)

const (
	handshakeTimeout = 15 * time.Second
	readWait         = 5 * time.Minute // stream is stale past this
	keepAliveEvery   = 30 * time.Minute
	reconnectDelay   = 2 * time.Second
	maxReconnect     = 60 * time.Second
)

// ListenKeys manages the user data stream key. *binance.Client satisfies it.
type ListenKeys interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// OrderSink receives filled-order events. *engine.Engine satisfies it.
type OrderSink interface {
	HandleOrderUpdate(ctx context.Context, u binance.OrderUpdate)
}

// UserStream maintains the account's user data stream and forwards order
// fills to the engine.
type UserStream struct {
	keys       ListenKeys
	sink       OrderSink
	streamHost string
	logger     *slog.Logger
}

// NewUserStream creates a UserStream.
func NewUserStream(keys ListenKeys, sink OrderSink, streamHost string, logger *slog.Logger) *UserStream {
	return &UserStream{
		keys:       keys,
		sink:       sink,
		streamHost: streamHost,
		logger:     logger.With(slog.String("component", "user_stream")),
	}
}

// Run connects, reads and reconnects with exponential backoff until ctx
// ends.
func (s *UserStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("user stream session ended, reconnecting",
			slog.Duration("delay", delay), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxReconnect {
			delay = maxReconnect
		}
	}
}

// session runs one connection lifetime: listen key, dial, keepalive, reads.
func (s *UserStream) session(ctx context.Context) error {
	key, err := s.keys.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("feed: create listen key: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.streamHost+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("feed: dial user stream: %w", err)
	}
	defer conn.Close()
	s.logger.Info("user stream connected")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(keepAliveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
				if err := s.keys.KeepAliveListenKey(sessCtx); err != nil {
					s.logger.Warn("listen key keepalive failed", slog.Any("error", err))
				}
			}
		}
	}()
	go func() {
		// Unblocks the read when the context ends.
		<-sessCtx.Done()
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: user stream read: %w", err)
		}

		update, ok, err := binance.ParseOrderUpdate(raw)
		if err != nil {
			s.logger.Debug("unparseable user stream frame", slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		s.sink.HandleOrderUpdate(ctx, update)
	}
}
