package domain

import "time"

// Signal is a directional trade signal delivered by the external signal
// source. The engine only consumes the fields below; parsing the source feed
// is the collaborator's job.
type Signal struct {
	Symbol       string
	Direction    Side
	TriggerPrice float64
	TriggerTime  time.Time
	Source       string

	// Optional per-signal overrides; zero means "use configured default".
	Leverage   int
	MarginUSDT float64
}

// Expired reports whether the signal is older than the configured age
// ceiling at time now. Signals with an unknown trigger time are expired.
func (s Signal) Expired(now time.Time, maxAge time.Duration) bool {
	if s.TriggerTime.IsZero() {
		return true
	}
	return now.Sub(s.TriggerTime) > maxAge
}

// GateResult is what every gating heuristic (BTC alignment, institutional
// score, volatility sizing) returns. The engine multiplies position size by
// Scale and aborts entry when Pass is false.
type GateResult struct {
	Pass   bool
	Scale  float64
	Reason string
}
