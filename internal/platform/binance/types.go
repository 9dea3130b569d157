package binance

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Well-known Binance futures error codes the engine depends on.
const (
	codeClockSkew     = -1021 // timestamp outside recvWindow
	codeUnknownOrder  = -2011 // CancelRejected: order does not exist
	codePositionEmpty = -2022 // ReduceOnly rejected: nothing to reduce
)

// APIError is the structured error envelope returned by the futures API.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// OrderType enumerates the order types the engine submits.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderRequest is a futures order submission.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY / SELL
	Type          OrderType
	Quantity      float64
	Price         float64 // LIMIT only
	StopPrice     float64 // STOP_MARKET only
	ReduceOnly    bool
	TimeInForce   string // GTX for post-only maker entries
	ClientOrderID string
}

// params encodes the request for the signed endpoint. Prices and quantities
// must already be rounded to the symbol's tick/step.
func (r OrderRequest) params() url.Values {
	v := url.Values{}
	v.Set("symbol", r.Symbol)
	v.Set("side", r.Side)
	v.Set("type", string(r.Type))
	v.Set("quantity", trimFloat(r.Quantity))
	if r.Price > 0 {
		v.Set("price", trimFloat(r.Price))
	}
	if r.StopPrice > 0 {
		v.Set("stopPrice", trimFloat(r.StopPrice))
		v.Set("workingType", "MARK_PRICE")
	}
	if r.ReduceOnly {
		v.Set("reduceOnly", "true")
	}
	if r.TimeInForce != "" {
		v.Set("timeInForce", r.TimeInForce)
	}
	if r.ClientOrderID != "" {
		v.Set("newClientOrderId", r.ClientOrderID)
	}
	v.Set("newOrderRespType", "RESULT")
	return v
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Order is the exchange-reported state of an order. Binance encodes numeric
// fields as JSON strings.
type Order struct {
	OrderID     int64     `json:"orderId"`
	Symbol      string    `json:"symbol"`
	Status      string    `json:"status"`
	Side        string    `json:"side"`
	Type        OrderType `json:"type"`
	Price       float64   `json:"price,string"`
	AvgPrice    float64   `json:"avgPrice,string"`
	StopPrice   float64   `json:"stopPrice,string"`
	OrigQty     float64   `json:"origQty,string"`
	ExecutedQty float64   `json:"executedQty,string"`
	ReduceOnly  bool      `json:"reduceOnly"`
	UpdateTime  int64     `json:"updateTime"`

	// Fills is populated on some RESULT/FULL responses.
	Fills []Fill `json:"fills"`
}

// Fill is one execution inside an order response.
type Fill struct {
	Price float64 `json:"price,string"`
	Qty   float64 `json:"qty,string"`
}

// Filled reports whether the order fully executed.
func (o Order) Filled() bool { return o.Status == "FILLED" }

// FillPrice extracts the executed price of an order: average fill price
// first, then the quantity-weighted fill list, then the order price. Returns
// 0 when no usable price exists; the caller falls back to live mark price.
func FillPrice(o Order) float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	var qty, weighted float64
	for _, f := range o.Fills {
		if f.Qty > 0 && f.Price > 0 {
			qty += f.Qty
			weighted += f.Qty * f.Price
		}
	}
	if qty > 0 {
		return weighted / qty
	}
	if o.Price > 0 {
		return o.Price
	}
	return 0
}

// PositionRisk is one entry of /fapi/v2/positionRisk. PositionAmt is signed:
// positive long, negative short.
type PositionRisk struct {
	Symbol      string  `json:"symbol"`
	PositionAmt float64 `json:"positionAmt,string"`
	EntryPrice  float64 `json:"entryPrice,string"`
	MarkPrice   float64 `json:"markPrice,string"`
	Leverage    float64 `json:"leverage,string"`
}

// Flat reports whether the exchange considers the position empty.
func (p PositionRisk) Flat() bool {
	return p.PositionAmt > -1e-8 && p.PositionAmt < 1e-8
}

// Kline is one /fapi/v1/klines candle. The wire format is a JSON array.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// UnmarshalJSON decodes the positional kline array.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 6 {
		return fmt.Errorf("binance: kline array too short: %d fields", len(raw))
	}

	var openMs int64
	if err := json.Unmarshal(raw[0], &openMs); err != nil {
		return fmt.Errorf("binance: kline open time: %w", err)
	}
	k.OpenTime = time.UnixMilli(openMs)

	for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		var s string
		if err := json.Unmarshal(raw[i+1], &s); err != nil {
			return fmt.Errorf("binance: kline field %d: %w", i+1, err)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("binance: kline field %d: %w", i+1, err)
		}
		*dst = f
	}
	return nil
}

// SymbolFilter carries the tick size and lot step for one tradable symbol.
type SymbolFilter struct {
	Symbol   string
	TickSize float64
	StepSize float64
}

// exchangeInfoResponse is the subset of /fapi/v1/exchangeInfo we parse.
type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (r exchangeInfoResponse) filters() map[string]SymbolFilter {
	out := make(map[string]SymbolFilter, len(r.Symbols))
	for _, s := range r.Symbols {
		if s.Status != "" && !strings.EqualFold(s.Status, "TRADING") {
			continue
		}
		f := SymbolFilter{Symbol: s.Symbol}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize, _ = strconv.ParseFloat(flt.TickSize, 64)
			case "LOT_SIZE":
				f.StepSize, _ = strconv.ParseFloat(flt.StepSize, 64)
			}
		}
		out[s.Symbol] = f
	}
	return out
}

// premiumIndexResponse is the subset of /fapi/v1/premiumIndex we parse.
type premiumIndexResponse struct {
	MarkPrice float64 `json:"markPrice,string"`
}

// bookTickerResponse is the subset of /fapi/v1/ticker/bookTicker we parse.
type bookTickerResponse struct {
	BidPrice float64 `json:"bidPrice,string"`
	AskPrice float64 `json:"askPrice,string"`
}

// balanceEntry is one entry of /fapi/v2/balance.
type balanceEntry struct {
	Asset   string  `json:"asset"`
	Balance float64 `json:"balance,string"`
}

// listenKeyResponse is the /fapi/v1/listenKey response.
type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}
