// Package ratelimit provides windowed per-key RPM/TPM reservation backed by
// an atomic key-value store. The check-and-increment for both windows happens
// in a single scripted operation per key, so concurrent callers can never
// over-commit a key's minute budget.
package ratelimit

import (
	"context"
	"errors"
)

// ErrBackendUnavailable indicates the rate-limit backend could not be reached.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Window dimension names reported in Reservation.FailedOn.
const (
	WindowRPM = "rpm"
	WindowTPM = "tpm"
)

// Limits are the per-minute budgets for one key.
type Limits struct {
	RPM int // requests per minute; 0 means unlimited
	TPM int // tokens per minute; 0 means unlimited
}

// Reservation is the outcome of one atomic reserve attempt.
type Reservation struct {
	// OK reports whether the request and token budgets were both reserved.
	OK bool

	// Permissive is set when the backend was unreachable and the call was
	// allowed without reserving. Availability takes precedence over strict
	// limiting during a backend outage.
	Permissive bool

	// FailedOn names the window that rejected the reservation ("rpm"/"tpm").
	FailedOn string

	// RemainingRPM and RemainingTPM are the budgets left in the current
	// window after this reservation. Used to weight key selection away
	// from hot keys.
	RemainingRPM int
	RemainingTPM int
}

// Reserver reserves one request plus an expected token count against a
// key's per-minute windows in a single atomic step.
type Reserver interface {
	// Reserve attempts to book one request and tokens expected completion
	// tokens against keyID's current minute window. The reservation is
	// all-or-nothing: the RPM increment is rolled back when the TPM window
	// rejects. Reservations are not released early; they expire with the
	// window.
	Reserve(ctx context.Context, keyID string, limits Limits, tokens int) (*Reservation, error)

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}

// Unlimited is a Reserver that always allows. Used when no backend is
// configured (RATE_LIMIT_BACKEND_URL unset) and in single-key fallback mode.
type Unlimited struct{}

// Reserve implements Reserver.
func (Unlimited) Reserve(_ context.Context, _ string, limits Limits, _ int) (*Reservation, error) {
	return &Reservation{OK: true, RemainingRPM: limits.RPM, RemainingTPM: limits.TPM}, nil
}

// Ping implements Reserver.
func (Unlimited) Ping(context.Context) error { return nil }
