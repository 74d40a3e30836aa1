// internal/application/engine/result.go
package engine

import "errors"

var (
	ErrInvalidArgument    = errors.New("engine: invalid argument")
	ErrClosed             = errors.New("engine: closed")
	ErrReauthUnavailable  = errors.New("engine: reauthentication verifier unavailable")
	ErrReauthWrongSubject = errors.New("engine: reauthentication token subject mismatch")
)

// Status classifies the outcome of a mutation operation. Failures are
// result values, not panics; nothing propagates out of an engine as a
// crash.
type Status int

const (
	// StatusOK: optimistic state applied and the remote write accepted.
	StatusOK Status = iota
	// StatusRateLimited: declined by the cooldown gate ("please wait").
	// No retry is scheduled; the caller decides whether to inform the
	// user.
	StatusRateLimited
	// StatusBusy: the per-key lock stayed contended; state unchanged.
	StatusBusy
	// StatusFailed: the remote write failed and the optimistic change
	// was rolled back.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRateLimited:
		return "rate_limited"
	case StatusBusy:
		return "busy"
	case StatusFailed:
		return "failed"
	default:
		return "ok"
	}
}

// MutationResult is the typed outcome returned by engine mutations.
type MutationResult struct {
	Status Status
	Err    error
}

func resultOK() MutationResult {
	return MutationResult{Status: StatusOK}
}

func resultRateLimited() MutationResult {
	return MutationResult{Status: StatusRateLimited}
}

func resultBusy() MutationResult {
	return MutationResult{Status: StatusBusy}
}

func resultFailed(err error) MutationResult {
	return MutationResult{Status: StatusFailed, Err: err}
}
