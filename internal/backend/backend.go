// Package backend wraps the cluster orchestrator API behind a thin
// typed adapter. No other package issues orchestrator calls directly.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Status is the last-observed state of a compute unit. The local view
// is never authoritative; callers reconcile against the orchestrator
// on transitions and periodically.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
	StatusGone    Status = "gone"
)

// UnitSpec carries everything a backend needs to create one compute
// unit for a session.
type UnitSpec struct {
	SessionID string
	Owner     string
	SpecID    string

	ContainerImage string
	Port           int

	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string

	Environment map[string]string
}

// Backend is the capability interface over one orchestrator kind.
// Exactly one implementing variant is selected at startup.
//
// CreateUnit is idempotent under the session ID: units are labelled
// with it, and a retried create returns the existing unit instead of
// creating a duplicate.
type Backend interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	Name() string

	CreateUnit(ctx context.Context, unit UnitSpec) (ref string, err error)
	GetStatus(ctx context.Context, ref string) (Status, error)
	// GetEndpoint returns the unit's host:port address, or ErrNoEndpoint
	// while none is assigned yet.
	GetEndpoint(ctx context.Context, ref string) (string, error)
	// DeleteUnit is idempotent: deleting an already-gone unit succeeds.
	DeleteUnit(ctx context.Context, ref string) error
	// ListUnits returns refs of units carrying the session label,
	// optionally filtered to one session ID ("" = all managed units).
	ListUnits(ctx context.Context, sessionID string) ([]string, error)
}

// ErrNoEndpoint indicates the unit exists but has no routable address yet.
var ErrNoEndpoint = errors.New("no endpoint assigned")

// Kind classifies adapter failures for retry policy.
type Kind int

const (
	// KindTransient failures (network hiccups, API throttling) are
	// retried with backoff by the engine.
	KindTransient Kind = iota
	// KindPermanent failures (bad spec, quota exceeded, image pull
	// denial) terminate the session and are surfaced to the user.
	KindPermanent
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func transientErr(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func permanentErr(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified
// errors are treated as transient so that a flaky orchestrator never
// permanently fails a session on first contact.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == KindTransient
	}
	return true
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == KindPermanent
	}
	return false
}
