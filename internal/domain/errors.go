package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrClockSkew          = errors.New("request timestamp outside recv window")
	ErrOrderNotFound      = errors.New("order does not exist")
	ErrStale              = errors.New("data too old")
	ErrLockHeld           = errors.New("lock already held")
	ErrExposureNotCleared = errors.New("exchange exposure not cleared")
	ErrGlobalStop         = errors.New("new entries halted")
)
