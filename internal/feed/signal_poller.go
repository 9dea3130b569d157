package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/triplewz/ironguard/internal/config"
	"github.com/triplewz/ironguard/internal/domain"
)

// Trader consumes validated entry signals. *engine.Engine satisfies it.
type Trader interface {
	Open(ctx context.Context, sig domain.Signal) error
}

// wireSignal is the JSON shape the signal endpoints serve.
type wireSignal struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Price      float64 `json:"price"`
	TimeMs     int64   `json:"time"`
	Leverage   int     `json:"leverage"`
	MarginUSDT float64 `json:"marginUsdt"`
}

// SignalPoller fetches trade signals from the configured HTTP endpoints and
// feeds the valid ones to the trader.
type SignalPoller struct {
	cfg    config.SignalsConfig
	trader Trader
	http   *http.Client
	logger *slog.Logger

	blacklist map[string]struct{}
}

// NewSignalPoller creates a SignalPoller.
func NewSignalPoller(cfg config.SignalsConfig, trader Trader, logger *slog.Logger) *SignalPoller {
	bl := make(map[string]struct{}, len(cfg.Blacklist))
	for _, s := range cfg.Blacklist {
		bl[strings.ToUpper(s)] = struct{}{}
	}
	return &SignalPoller{
		cfg:       cfg,
		trader:    trader,
		http:      &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With(slog.String("component", "signal_poller")),
		blacklist: bl,
	}
}

// Run polls until ctx ends.
func (p *SignalPoller) Run(ctx context.Context) error {
	interval := time.Duration(p.cfg.FetchIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("signal poller started",
		slog.Int("sources", len(p.cfg.URLs)), slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *SignalPoller) poll(ctx context.Context) {
	taken := 0
	for _, u := range p.cfg.URLs {
		signals, err := p.fetch(ctx, u)
		if err != nil {
			p.logger.Warn("signal fetch failed", slog.String("url", u), slog.Any("error", err))
			continue
		}
		for _, sig := range signals {
			if p.cfg.MaxPerLoop > 0 && taken >= p.cfg.MaxPerLoop {
				return
			}
			if !p.accept(sig) {
				continue
			}
			taken++
			err := p.trader.Open(ctx, sig)
			switch {
			case errors.Is(err, domain.ErrGlobalStop):
				p.logger.Warn("entries halted, dropping remaining signals")
				return
			case errors.Is(err, domain.ErrStale):
				p.logger.Debug("stale signal", slog.String("symbol", sig.Symbol))
			case err != nil:
				p.logger.Error("signal open failed", slog.String("symbol", sig.Symbol), slog.Any("error", err))
			}
		}
	}
}

func (p *SignalPoller) fetch(ctx context.Context, url string) ([]domain.Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build signal request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch signals: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: signal source returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("feed: read signal body: %w", err)
	}

	var wire []wireSignal
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("feed: decode signals: %w", err)
	}

	signals := make([]domain.Signal, 0, len(wire))
	for _, w := range wire {
		dir := domain.Side(strings.ToUpper(w.Direction))
		if dir != domain.SideLong && dir != domain.SideShort {
			continue
		}
		signals = append(signals, domain.Signal{
			Symbol:       strings.ToUpper(w.Symbol),
			Direction:    dir,
			TriggerPrice: w.Price,
			TriggerTime:  time.UnixMilli(w.TimeMs),
			Leverage:     w.Leverage,
			MarginUSDT:   w.MarginUSDT,
			Source:       url,
		})
	}
	return signals, nil
}

// accept applies the symbol and age rules before a signal reaches the
// trader.
func (p *SignalPoller) accept(sig domain.Signal) bool {
	if len(sig.Symbol) < 6 || !strings.HasSuffix(sig.Symbol, p.cfg.QuoteAsset) {
		return false
	}
	if _, banned := p.blacklist[sig.Symbol]; banned {
		return false
	}
	if sig.Expired(time.Now(), p.cfg.MaxSignalAge()) {
		p.logger.Debug("signal expired", slog.String("symbol", sig.Symbol))
		return false
	}
	return true
}
