package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/platform/binance"
)

// subscriptionPollEvery is how often the open-symbol set is re-read to
// decide whether the combined stream must be rebuilt.
const subscriptionPollEvery = 30 * time.Second

// TickSink receives mark price ticks. *engine.Engine satisfies it.
type TickSink interface {
	OnPriceTick(ctx context.Context, symbol string, mark float64)
}

// MarketStream subscribes to combined @markPrice streams for every open
// position and reconnects whenever the open-symbol set changes.
type MarketStream struct {
	positions  domain.PositionStore
	sink       TickSink
	streamHost string
	logger     *slog.Logger
}

// NewMarketStream creates a MarketStream.
func NewMarketStream(positions domain.PositionStore, sink TickSink, streamHost string, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		positions:  positions,
		sink:       sink,
		streamHost: streamHost,
		logger:     logger.With(slog.String("component", "market_stream")),
	}
}

// Run keeps one combined stream session alive per open-symbol set until ctx
// ends.
func (s *MarketStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		symbols, err := s.openSymbols(ctx)
		if err != nil {
			s.logger.Error("open symbol listing failed", slog.Any("error", err))
		}

		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(subscriptionPollEvery):
			}
			continue
		}

		err = s.session(ctx, symbols)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("market stream session ended",
				slog.Duration("delay", delay), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > maxReconnect {
				delay = maxReconnect
			}
			continue
		}
		// Clean resubscribe because the symbol set changed.
		delay = reconnectDelay
	}
}

func (s *MarketStream) openSymbols(ctx context.Context) ([]string, error) {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(open))
	for _, p := range open {
		symbols = append(symbols, p.Symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// session reads one combined stream until an error or the open-symbol set
// changes. A nil return means "resubscribe wanted".
func (s *MarketStream) session(ctx context.Context, symbols []string) error {
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@markPrice@1s"
	}
	u := s.streamHost + "/stream?streams=" + strings.Join(streams, "/")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("feed: dial market stream: %w", err)
	}
	defer conn.Close()
	s.logger.Info("market stream connected", slog.Int("symbols", len(symbols)))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	resub := make(chan struct{})

	go func() {
		ticker := time.NewTicker(subscriptionPollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
				current, err := s.openSymbols(sessCtx)
				if err != nil {
					continue
				}
				if !equalStrings(current, symbols) {
					close(resub)
					conn.Close()
					return
				}
			}
		}
	}()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-resub:
				s.logger.Info("open symbol set changed, resubscribing")
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: market stream read: %w", err)
		}

		tick, ok, err := binance.ParseMarkPriceTick(raw)
		if err != nil || !ok {
			continue
		}
		s.sink.OnPriceTick(ctx, tick.Symbol, tick.Mark)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
