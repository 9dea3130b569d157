package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/triplewz/ironguard/internal/config"
	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/platform/binance"
)

// fakeExchange is an in-memory Exchange. Orders fill immediately at the
// configured mark price unless a hook overrides the behavior.
type fakeExchange struct {
	mu sync.Mutex

	mark      map[string]float64
	positions map[string]binance.PositionRisk
	klines    map[string][]binance.Kline
	balance   float64

	placed    []binance.OrderRequest
	cancelled []int64
	open      map[string][]binance.Order

	nextOrderID int64

	// hooks
	placeHook func(req binance.OrderRequest) (binance.Order, error)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		mark:      map[string]float64{},
		positions: map[string]binance.PositionRisk{},
		klines:    map[string][]binance.Kline{},
		open:      map[string][]binance.Order{},
		balance:   1000,
	}
}

func (f *fakeExchange) MarkPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mark[symbol], nil
}

func (f *fakeExchange) BookTicker(_ context.Context, symbol string) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.mark[symbol]
	return m * 0.9995, m * 1.0005, nil
}

func (f *fakeExchange) Klines(_ context.Context, symbol, _ string, _ int) ([]binance.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klines[symbol], nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req binance.OrderRequest) (binance.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeHook != nil {
		return f.placeHook(req)
	}
	f.nextOrderID++
	o := binance.Order{
		OrderID:  f.nextOrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		OrigQty:  req.Quantity,
		Status:   "NEW",
		Price:    req.Price,
	}
	switch req.Type {
	case binance.OrderTypeMarket:
		o.Status = "FILLED"
		o.ExecutedQty = req.Quantity
		o.AvgPrice = f.mark[req.Symbol]
		if req.ReduceOnly {
			f.reduceLocked(req.Symbol, req.Quantity)
		}
	case binance.OrderTypeLimit:
		o.Status = "FILLED"
		o.ExecutedQty = req.Quantity
		o.AvgPrice = req.Price
	case binance.OrderTypeStopMarket:
		o.StopPrice = req.StopPrice
		f.open[req.Symbol] = append(f.open[req.Symbol], o)
	}
	return o, nil
}

// reduceLocked shrinks the held position toward flat. Callers hold f.mu.
func (f *fakeExchange) reduceLocked(symbol string, qty float64) {
	pos, ok := f.positions[symbol]
	if !ok {
		return
	}
	switch {
	case pos.PositionAmt > 0:
		pos.PositionAmt -= qty
		if pos.PositionAmt < 0 {
			pos.PositionAmt = 0
		}
	case pos.PositionAmt < 0:
		pos.PositionAmt += qty
		if pos.PositionAmt > 0 {
			pos.PositionAmt = 0
		}
	}
	f.positions[symbol] = pos
}

func (f *fakeExchange) QueryOrder(_ context.Context, symbol string, orderID int64) (binance.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.open[symbol] {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return binance.Order{OrderID: orderID, Symbol: symbol, Status: "FILLED"}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	kept := f.open[symbol][:0]
	for _, o := range f.open[symbol] {
		if o.OrderID == orderID {
			found = true
			continue
		}
		kept = append(kept, o)
	}
	f.open[symbol] = kept
	if !found {
		return domain.ErrOrderNotFound
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) OpenOrders(_ context.Context, symbol string) ([]binance.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]binance.Order(nil), f.open[symbol]...), nil
}

func (f *fakeExchange) Position(_ context.Context, symbol string) (binance.PositionRisk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.positions[symbol]; ok {
		return p, nil
	}
	return binance.PositionRisk{Symbol: symbol}, nil
}

func (f *fakeExchange) Positions(_ context.Context) ([]binance.PositionRisk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []binance.PositionRisk
	for _, p := range f.positions {
		if !p.Flat() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeExchange) Balance(_ context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeExchange) SetLeverage(context.Context, string, int) error   { return nil }
func (f *fakeExchange) SetIsolatedMargin(context.Context, string) error { return nil }

func (f *fakeExchange) LotRound(_ string, qty float64) float64   { return qty }
func (f *fakeExchange) TickRound(_ string, price float64) float64 { return price }

func (f *fakeExchange) EffectiveFillPrice(ctx context.Context, o binance.Order) (float64, error) {
	if p := binance.FillPrice(o); p > 0 {
		return p, nil
	}
	return f.MarkPrice(ctx, o.Symbol)
}

func (f *fakeExchange) stopOrders(symbol string) []binance.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []binance.Order
	for _, o := range f.open[symbol] {
		if o.Type == binance.OrderTypeStopMarket {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeExchange) setPosition(symbol string, amt, entry, mark float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[symbol] = binance.PositionRisk{
		Symbol: symbol, PositionAmt: amt, EntryPrice: entry, MarkPrice: mark,
	}
	f.mark[symbol] = mark
}

// memPositions is an in-memory domain.PositionStore.
type memPositions struct {
	mu   sync.Mutex
	recs map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{recs: map[string]domain.Position{}}
}

func (s *memPositions) Get(_ context.Context, symbol string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.recs[symbol]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositions) Save(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[p.Symbol] = p
	return nil
}

func (s *memPositions) Delete(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, symbol)
	return nil
}

func (s *memPositions) ListOpen(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.recs {
		if p.Open {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositions) ListClosedBefore(_ context.Context, cutoff time.Time) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.recs {
		if !p.Open && !p.LastClosedAt.IsZero() && p.LastClosedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// memHistory is an in-memory domain.HistoryStore.
type memHistory struct {
	mu   sync.Mutex
	recs map[string]domain.HistoryRecord
}

func newMemHistory() *memHistory {
	return &memHistory{recs: map[string]domain.HistoryRecord{}}
}

func (s *memHistory) Append(_ context.Context, rec domain.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *memHistory) ListClosedBefore(_ context.Context, cutoff time.Time) ([]domain.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HistoryRecord
	for _, r := range s.recs {
		if r.ClosedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memHistory) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.recs {
		if r.ClosedAt.Before(cutoff) {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}

func (s *memHistory) Prune(context.Context, int) (int64, error) { return 0, nil }

func (s *memHistory) all() []domain.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HistoryRecord
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out
}

// memStopCache is an in-memory domain.StopOrderCache.
type memStopCache struct {
	mu      sync.Mutex
	entries map[string]domain.StopOrderEntry
}

func newMemStopCache() *memStopCache {
	return &memStopCache{entries: map[string]domain.StopOrderEntry{}}
}

func (c *memStopCache) Get(_ context.Context, symbol string) (domain.StopOrderEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok {
		return domain.StopOrderEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (c *memStopCache) Set(_ context.Context, symbol string, e domain.StopOrderEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = e
	return nil
}

func (c *memStopCache) Delete(_ context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, symbol)
	return nil
}

// memLocks is an in-process domain.LockManager.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks { return &memLocks{held: map[string]bool{}} }

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func testEngineConfig() config.EngineConfig {
	return config.Defaults().Engine
}

// newTestEngine wires an Engine onto fakes and pins its clock.
func newTestEngine(t *testing.T, cfg config.EngineConfig) (*Engine, *fakeExchange, *memPositions, *memHistory, *memStopCache) {
	t.Helper()
	exch := newFakeExchange()
	positions := newMemPositions()
	history := newMemHistory()
	cache := newMemStopCache()
	logger := slog.New(slog.DiscardHandler)

	stops := NewStopOrders(exch, cache, logger)
	acct := NewAccountant(history, cfg.HistoryKeep, logger)
	eng := New(cfg, exch, positions, stops, acct, newMemLocks(), nil, nil, logger)
	eng.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return eng, exch, positions, history, cache
}
