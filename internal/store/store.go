package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/jobly/internal/model"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleState is returned when a compare-and-swap found a status other
	// than the expected one.
	ErrStaleState = errors.New("store: stale state")
	// ErrInvalidTransition is returned for edges the status table forbids.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrTokenRevoked is returned when a token-bound update finds a different
	// token hash than the one the caller verified.
	ErrTokenRevoked = errors.New("store: token revoked")
)

// ApplicationFilter specifies criteria for listing applications.
type ApplicationFilter struct {
	Status model.ApplicationStatus `json:"status,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
}

// Store defines persistence for prefill intents, their result logs and the
// applications they are created against.
type Store interface {
	// Intents
	CreateIntent(ctx context.Context, intent *model.PrefillIntent) error
	GetIntent(ctx context.Context, id string) (*model.PrefillIntent, error)
	// TransitionIntent moves id from one status to another in a single
	// compare-and-swap. It returns ErrStaleState when the current status is
	// not from.
	TransitionIntent(ctx context.Context, id string, from, to model.IntentStatus) error
	// ClaimIntent is TransitionIntent bound to the token hash the caller
	// verified. It returns ErrTokenRevoked when the hash was rotated.
	ClaimIntent(ctx context.Context, id, tokenHash string, from, to model.IntentStatus) error
	// RotateToken replaces the stored token hash while the intent is still in
	// status from.
	RotateToken(ctx context.Context, id string, from model.IntentStatus, tokenHash string) error
	ListExpiring(ctx context.Context, status model.IntentStatus, before time.Time, limit int) ([]string, error)

	// Result logs
	// RecordResult persists the log and moves its intent from fetched to the
	// given status atomically, provided the intent still carries tokenHash.
	RecordResult(ctx context.Context, log *model.StoredLog, tokenHash string, to model.IntentStatus) error
	GetLog(ctx context.Context, intentID string) (*model.StoredLog, error)

	// Applications
	CreateApplication(ctx context.Context, app *model.Application) error
	GetApplication(ctx context.Context, id string) (*model.Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]model.Application, error)
	UpdateApplication(ctx context.Context, id string, upd model.ApplicationUpdate) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func checkTransition(from, to model.IntentStatus) error {
	if !model.CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
