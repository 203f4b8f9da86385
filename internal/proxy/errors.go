package proxy

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTarget  = errors.New("invalid proxy target")
	ErrNotUpgrade     = errors.New("not an upgrade request")
	ErrRateLimited    = errors.New("upgrade rate limited")
	ErrUpgradeRefused = errors.New("backend refused upgrade")
)

// Error records the relay stage that failed.
type Error struct {
	Stage string // request | dial | handshake | stream
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("relay %s: %v", e.Stage, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Reason is a short metric label for the failure.
func (e *Error) Reason() string {
	switch {
	case errors.Is(e.Err, ErrNotUpgrade):
		return "not_upgrade"
	case errors.Is(e.Err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(e.Err, ErrUpgradeRefused):
		return "refused"
	}
	return e.Stage
}

func stageErr(stage string, err error) error {
	return &Error{Stage: stage, Err: err}
}
