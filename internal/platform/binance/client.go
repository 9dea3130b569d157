// Package binance is the USD-M futures REST client. Every signed call is
// built fresh per attempt (new timestamp, new signature) and routed through
// the dispatch queue; public market-data reads go straight out.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/triplewz/ironguard/internal/crypto"
	"github.com/triplewz/ironguard/internal/dispatch"
	"github.com/triplewz/ironguard/internal/domain"
)

// Config carries the REST connection settings.
type Config struct {
	RESTHost   string
	APIKey     string
	RecvWindow time.Duration
	Timeout    time.Duration
}

// Client talks to the futures REST API.
type Client struct {
	cfg    Config
	signer *crypto.Signer
	disp   *dispatch.Dispatcher
	http   *http.Client
	logger *slog.Logger

	filtersMu sync.RWMutex
	filters   map[string]SymbolFilter
}

// NewClient creates a Client. The dispatcher must already be running for
// signed calls to complete.
func NewClient(cfg Config, signer *crypto.Signer, disp *dispatch.Dispatcher, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		signer: signer,
		disp:   disp,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "binance")),
	}
}

// classify maps an HTTP failure to the domain error the engine switches on.
func classify(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Msg = strings.TrimSpace(string(body))
	}
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Msg)
	case apiErr.Code == codeClockSkew:
		return fmt.Errorf("%w: %s", domain.ErrClockSkew, apiErr.Msg)
	case apiErr.Code == codeUnknownOrder:
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, apiErr.Msg)
	}
	return apiErr
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("binance: read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode >= 400 {
		return nil, classify(resp.StatusCode, body)
	}
	return body, nil
}

// public performs an unauthenticated GET outside the dispatch queue.
func (c *Client) public(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := c.cfg.RESTHost + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request %s: %w", path, err)
	}
	return c.do(req)
}

// signed routes an authenticated call through the dispatcher. The query is
// re-signed on every attempt so a retry after backoff carries a fresh
// timestamp.
func (c *Client) signed(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	return c.disp.Do(ctx, func(ctx context.Context) (json.RawMessage, error) {
		query := c.signer.SignedQuery(params, c.cfg.RecvWindow, time.Now())

		u := c.cfg.RESTHost + path
		var body io.Reader
		if method == http.MethodGet || method == http.MethodDelete {
			u += "?" + query
		} else {
			body = strings.NewReader(query)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return nil, fmt.Errorf("binance: build request %s: %w", path, err)
		}
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return c.do(req)
	})
}

// MarkPrice returns the current mark price for symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.public(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {symbol}})
	if err != nil {
		return 0, err
	}
	var resp premiumIndexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance: decode premiumIndex: %w", err)
	}
	return resp.MarkPrice, nil
}

// BookTicker returns the best bid and ask for symbol.
func (c *Client) BookTicker(ctx context.Context, symbol string) (bid, ask float64, err error) {
	body, err := c.public(ctx, "/fapi/v1/ticker/bookTicker", url.Values{"symbol": {symbol}})
	if err != nil {
		return 0, 0, err
	}
	var resp bookTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, fmt.Errorf("binance: decode bookTicker: %w", err)
	}
	return resp.BidPrice, resp.AskPrice, nil
}

// Klines returns up to limit closed candles for symbol at interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := c.public(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}
	var klines []Kline
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}
	return klines, nil
}

// RefreshFilters loads tick and lot filters for all trading symbols.
// Rounding falls back to raw values for symbols missing from the cache.
func (c *Client) RefreshFilters(ctx context.Context) error {
	body, err := c.public(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("binance: decode exchangeInfo: %w", err)
	}
	filters := resp.filters()

	c.filtersMu.Lock()
	c.filters = filters
	c.filtersMu.Unlock()
	c.logger.Info("exchange filters refreshed", slog.Int("symbols", len(filters)))
	return nil
}

func (c *Client) filter(symbol string) (SymbolFilter, bool) {
	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	f, ok := c.filters[symbol]
	return f, ok
}

// LotRound rounds a quantity down to the symbol's lot step.
func (c *Client) LotRound(symbol string, qty float64) float64 {
	f, ok := c.filter(symbol)
	if !ok || f.StepSize <= 0 {
		return qty
	}
	steps := math.Floor(qty/f.StepSize + 1e-9)
	return roundToStep(steps, f.StepSize)
}

// TickRound rounds a price to the nearest tick.
func (c *Client) TickRound(symbol string, price float64) float64 {
	f, ok := c.filter(symbol)
	if !ok || f.TickSize <= 0 {
		return price
	}
	steps := math.Round(price / f.TickSize)
	return roundToStep(steps, f.TickSize)
}

// roundToStep multiplies at the step's decimal precision to avoid float
// artifacts like 0.30000000000000004 in the wire encoding.
func roundToStep(steps, step float64) float64 {
	prec := 0
	if s := strconv.FormatFloat(step, 'f', -1, 64); strings.Contains(s, ".") {
		prec = len(s) - strings.Index(s, ".") - 1
	}
	scale := math.Pow(10, float64(prec))
	return math.Round(steps*step*scale) / scale
}

// PlaceOrder submits an order and returns the exchange-reported state.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	body, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", req.params())
	if err != nil {
		return Order{}, err
	}
	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return Order{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return o, nil
}

// QueryOrder fetches the current state of an order.
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return Order{}, err
	}
	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return Order{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return o, nil
}

// CancelOrder cancels an order. Returns domain.ErrOrderNotFound when the
// exchange no longer knows the order, which callers treat as already
// consumed rather than a failure.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// OpenOrders lists the open orders for symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/openOrders", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	var orders []Order
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("binance: decode openOrders: %w", err)
	}
	return orders, nil
}

// Position returns the exchange position for one symbol.
func (c *Client) Position(ctx context.Context, symbol string) (PositionRisk, error) {
	positions, err := c.positions(ctx, symbol)
	if err != nil {
		return PositionRisk{}, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return PositionRisk{Symbol: symbol}, nil
}

// Positions returns all exchange positions with non-zero amounts.
func (c *Client) Positions(ctx context.Context) ([]PositionRisk, error) {
	positions, err := c.positions(ctx, "")
	if err != nil {
		return nil, err
	}
	live := positions[:0]
	for _, p := range positions {
		if !p.Flat() {
			live = append(live, p)
		}
	}
	return live, nil
}

func (c *Client) positions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var positions []PositionRisk
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("binance: decode positionRisk: %w", err)
	}
	return positions, nil
}

// Balance returns the available USDT futures balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return 0, err
	}
	var entries []balanceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return 0, fmt.Errorf("binance: decode balance: %w", err)
	}
	for _, e := range entries {
		if e.Asset == "USDT" {
			return e.Balance, nil
		}
	}
	return 0, nil
}

// SetLeverage sets leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(leverage)},
	}
	_, err := c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// SetIsolatedMargin switches symbol to isolated margin. The exchange rejects
// the call when the mode is already set; that rejection is not an error.
func (c *Client) SetIsolatedMargin(ctx context.Context, symbol string) error {
	params := url.Values{
		"symbol":     {symbol},
		"marginType": {"ISOLATED"},
	}
	_, err := c.signed(ctx, http.MethodPost, "/fapi/v1/marginType", params)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == -4046 { // no need to change margin type
		return nil
	}
	return err
}

// CreateListenKey opens a user data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.signed(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binance: decode listenKey: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the user data stream validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.signed(ctx, http.MethodPut, "/fapi/v1/listenKey", nil)
	return err
}

// EffectiveFillPrice resolves an order's executed price, falling back to
// the live mark price when the order carries no usable price.
func (c *Client) EffectiveFillPrice(ctx context.Context, o Order) (float64, error) {
	if p := FillPrice(o); p > 0 {
		return p, nil
	}
	mark, err := c.MarkPrice(ctx, o.Symbol)
	if err != nil {
		return 0, fmt.Errorf("binance: fill price fallback for %s: %w", o.Symbol, err)
	}
	return mark, nil
}
