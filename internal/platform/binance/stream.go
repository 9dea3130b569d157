package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// OrderUpdate is the normalized ORDER_TRADE_UPDATE event from the user data
// stream.
type OrderUpdate struct {
	Symbol     string
	OrderID    int64
	Side       string // BUY / SELL
	Type       OrderType
	Status     string
	FilledQty  float64 // cumulative
	AvgPrice   float64
	LastPrice  float64
	ReduceOnly bool
	EventTime  int64
}

// MarkPriceTick is one entry of a combined @markPrice stream.
type MarkPriceTick struct {
	Symbol string
	Mark   float64
}

// userDataEnvelope discriminates user data stream events by type.
type userDataEnvelope struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order struct {
		Symbol     string `json:"s"`
		Side       string `json:"S"`
		Type       string `json:"o"`
		Status     string `json:"X"`
		OrderID    int64  `json:"i"`
		FilledQty  string `json:"z"`
		AvgPrice   string `json:"ap"`
		LastPrice  string `json:"L"`
		ReduceOnly bool   `json:"R"`
	} `json:"o"`
}

// ParseOrderUpdate decodes a user data stream frame. ok is false for frames
// that are not ORDER_TRADE_UPDATE events.
func ParseOrderUpdate(raw []byte) (OrderUpdate, bool, error) {
	var env userDataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return OrderUpdate{}, false, fmt.Errorf("binance: decode user event: %w", err)
	}
	if env.Event != "ORDER_TRADE_UPDATE" {
		return OrderUpdate{}, false, nil
	}

	filled, _ := strconv.ParseFloat(env.Order.FilledQty, 64)
	avg, _ := strconv.ParseFloat(env.Order.AvgPrice, 64)
	last, _ := strconv.ParseFloat(env.Order.LastPrice, 64)
	return OrderUpdate{
		Symbol:     env.Order.Symbol,
		OrderID:    env.Order.OrderID,
		Side:       env.Order.Side,
		Type:       OrderType(env.Order.Type),
		Status:     env.Order.Status,
		FilledQty:  filled,
		AvgPrice:   avg,
		LastPrice:  last,
		ReduceOnly: env.Order.ReduceOnly,
		EventTime:  env.Time,
	}, true, nil
}

// combinedFrame is one message from a combined market stream endpoint.
type combinedFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		Mark   string `json:"p"`
	} `json:"data"`
}

// ParseMarkPriceTick decodes a combined-stream frame. ok is false for frames
// that are not markPriceUpdate events.
func ParseMarkPriceTick(raw []byte) (MarkPriceTick, bool, error) {
	var f combinedFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return MarkPriceTick{}, false, fmt.Errorf("binance: decode stream frame: %w", err)
	}
	if f.Data.Event != "markPriceUpdate" {
		return MarkPriceTick{}, false, nil
	}
	mark, err := strconv.ParseFloat(f.Data.Mark, 64)
	if err != nil {
		return MarkPriceTick{}, false, fmt.Errorf("binance: parse mark price: %w", err)
	}
	return MarkPriceTick{Symbol: f.Data.Symbol, Mark: mark}, true, nil
}
