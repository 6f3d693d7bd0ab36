// Package prefill implements the prefill intent lifecycle: creation against an
// application, authorized single-use retrieval by a local agent, and
// reconciliation of the agent's result report.
package prefill

import (
	"context"
	"errors"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/store"
	"github.com/sells-group/jobly/internal/token"
)

// Policy holds the server-side rules applied to intents and reports.
type Policy struct {
	// RequireStopBeforeSubmit fails any report whose agent did not halt
	// before final submission.
	RequireStopBeforeSubmit bool
	// FetchedGrace is how long past its TTL a fetched intent may wait for a
	// report before the sweep expires it.
	FetchedGrace time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		RequireStopBeforeSubmit: true,
		FetchedGrace:            time.Hour,
	}
}

// Service creates and serves prefill intents and accepts their results.
type Service struct {
	store  store.Store
	issuer *token.Issuer
	clock  clock.Clock
	policy Policy
	log    *zap.Logger
}

// NewService wires a Service. A nil clock uses wall time.
func NewService(st store.Store, c clock.Clock, policy Policy) *Service {
	if c == nil {
		c = clock.New()
	}
	return &Service{
		store:  st,
		issuer: token.NewIssuer(c),
		clock:  c,
		policy: policy,
		log:    zap.L().With(zap.String("component", "prefill")),
	}
}

// CreateRequest is the input to Create. JobURL falls back to the
// application's job URL when empty.
type CreateRequest struct {
	ApplicationID string                      `json:"application_id"`
	JobURL        string                      `json:"job_url,omitempty"`
	UserFields    map[string]model.FieldValue `json:"user_fields"`
	Attachments   map[string]string           `json:"attachments"`
	CommonAnswers map[string]string           `json:"common_answers"`
}

// Issued is the result of Create and Reissue. Token is the only plaintext
// copy of the credential the server will ever hand out for it.
type Issued struct {
	Intent    *model.PrefillIntent
	Token     string
	ExpiresAt time.Time
}

// Create builds a pending intent for an existing application and issues its
// credential.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Issued, error) {
	if req.ApplicationID == "" {
		return nil, newError(KindInvalidPayload, "application_id is required")
	}
	app, err := s.store.GetApplication(ctx, req.ApplicationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindInvalidReference, "application %s not found", req.ApplicationID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "prefill: resolve application")
	}

	now := s.clock.Now().UTC()
	in := &model.PrefillIntent{
		ID:            uuid.New().String(),
		ApplicationID: app.ID,
		PacketID:      app.PacketID,
		JobURL:        req.JobURL,
		UserFields:    req.UserFields,
		Attachments:   req.Attachments,
		CommonAnswers: req.CommonAnswers,
		Status:        model.IntentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.JobURL == "" {
		in.JobURL = app.JobURL
	}
	if err := in.Validate(); err != nil {
		return nil, newError(KindInvalidPayload, "%s", err.Error())
	}

	cred, err := s.issuer.Issue(in.ID)
	if err != nil {
		return nil, eris.Wrap(err, "prefill: issue token")
	}
	in.TokenHash = cred.Hash
	in.TokenExpiresAt = cred.ExpiresAt

	if err := s.store.CreateIntent(ctx, in); err != nil {
		return nil, eris.Wrap(err, "prefill: create intent")
	}

	s.updateApplication(ctx, app.ID, model.ApplicationUpdate{
		Status:          model.ApplicationIntentCreated,
		Note:            "Prefill intent created",
		PrefillIntentID: in.ID,
		At:              now,
	})

	s.log.Info("intent created",
		zap.String("intent_id", in.ID),
		zap.String("application_id", app.ID),
		zap.Time("expires_at", cred.ExpiresAt),
	)

	in.AuthToken = cred.Token
	return &Issued{Intent: in, Token: cred.Token, ExpiresAt: cred.ExpiresAt}, nil
}

// Fetch returns the intent to the holder of its token. The first successful
// fetch moves it from pending to fetched and echoes the token back; later
// fetches return the payload without it.
func (s *Service) Fetch(ctx context.Context, id, presented string) (*model.PrefillIntent, error) {
	// One re-read is enough: a lost CAS means the status moved forward, and
	// there is no path back to pending.
	for attempt := 0; ; attempt++ {
		in, err := s.authorize(ctx, id, presented)
		if err != nil {
			return nil, err
		}

		switch in.Status {
		case model.IntentExpired:
			return nil, newError(KindExpired, "intent %s has expired", id)
		case model.IntentCompleted:
			return nil, newError(KindInvalidState, "intent %s is already completed", id)
		}

		if s.elapsed(in) {
			return nil, s.expire(ctx, in)
		}

		switch in.Status {
		case model.IntentPending:
			err := s.store.ClaimIntent(ctx, id, in.TokenHash, model.IntentPending, model.IntentFetched)
			if errors.Is(err, store.ErrTokenRevoked) {
				s.log.Warn("token revoked during fetch", zap.String("intent_id", id))
				return nil, newError(KindUnauthorized, "invalid token for intent %s", id)
			}
			if errors.Is(err, store.ErrStaleState) && attempt == 0 {
				continue
			}
			if errors.Is(err, store.ErrStaleState) {
				return nil, newError(KindInvalidState, "intent %s changed status concurrently", id)
			}
			if err != nil {
				return nil, eris.Wrap(err, "prefill: mark fetched")
			}
			s.log.Info("intent fetched", zap.String("intent_id", id))
			in.Status = model.IntentFetched
			in.UpdatedAt = s.clock.Now().UTC()
			in.AuthToken = presented
			return in, nil
		case model.IntentFetched, model.IntentFailed:
			return in, nil
		default:
			return nil, newError(KindInvalidState, "intent %s has unknown status %q", id, in.Status)
		}
	}
}

// Reissue replaces an intent's credential. The previous token stops working
// immediately and the expiry is unchanged.
func (s *Service) Reissue(ctx context.Context, id string) (*Issued, error) {
	in, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch in.Status {
	case model.IntentExpired:
		return nil, newError(KindExpired, "intent %s has expired", id)
	case model.IntentCompleted, model.IntentFailed:
		return nil, newError(KindInvalidState, "intent %s is %s", id, in.Status)
	}
	if s.elapsed(in) {
		return nil, s.expire(ctx, in)
	}

	cred, err := s.issuer.Rotate(id, in.TokenExpiresAt)
	if err != nil {
		return nil, newError(KindExpired, "intent %s has expired", id)
	}

	err = s.store.RotateToken(ctx, id, in.Status, cred.Hash)
	if errors.Is(err, store.ErrStaleState) {
		return nil, newError(KindInvalidState, "intent %s changed status concurrently", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "prefill: rotate token")
	}

	s.log.Info("intent token reissued", zap.String("intent_id", id))

	in.TokenHash = cred.Hash
	in.AuthToken = cred.Token
	return &Issued{Intent: in, Token: cred.Token, ExpiresAt: cred.ExpiresAt}, nil
}

// Get returns an intent without authorization, for operator tooling. The
// token is never included.
func (s *Service) Get(ctx context.Context, id string) (*model.PrefillIntent, *model.StoredLog, error) {
	in, err := s.get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sl, err := s.store.GetLog(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return in, nil, nil
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "prefill: get log")
	}
	return in, sl, nil
}

func (s *Service) get(ctx context.Context, id string) (*model.PrefillIntent, error) {
	in, err := s.store.GetIntent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "intent %s not found", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "prefill: get intent")
	}
	return in, nil
}

// authorize loads the intent and checks the presented token. A mismatch
// never changes state.
func (s *Service) authorize(ctx context.Context, id, presented string) (*model.PrefillIntent, error) {
	in, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !token.Verify(in.TokenHash, presented) {
		s.log.Warn("token mismatch", zap.String("intent_id", id))
		return nil, newError(KindUnauthorized, "invalid token for intent %s", id)
	}
	return in, nil
}

func (s *Service) elapsed(in *model.PrefillIntent) bool {
	return !s.clock.Now().Before(in.TokenExpiresAt)
}

// expire marks an intent whose TTL has elapsed as expired and returns the
// Expired error. Losing the CAS does not change the answer.
func (s *Service) expire(ctx context.Context, in *model.PrefillIntent) error {
	if model.CanTransition(in.Status, model.IntentExpired) {
		err := s.store.TransitionIntent(ctx, in.ID, in.Status, model.IntentExpired)
		switch {
		case err == nil:
			s.log.Info("intent expired", zap.String("intent_id", in.ID), zap.String("from", string(in.Status)))
		case errors.Is(err, store.ErrStaleState):
		default:
			s.log.Warn("mark intent expired", zap.String("intent_id", in.ID), zap.Error(err))
		}
	}
	return newError(KindExpired, "token for intent %s expired at %s", in.ID, in.TokenExpiresAt.Format(time.RFC3339))
}

// updateApplication is best effort; the intent lifecycle does not depend on
// the application record.
func (s *Service) updateApplication(ctx context.Context, appID string, upd model.ApplicationUpdate) {
	if appID == "" {
		return
	}
	if err := s.store.UpdateApplication(ctx, appID, upd); err != nil {
		s.log.Warn("update application",
			zap.String("application_id", appID),
			zap.String("status", string(upd.Status)),
			zap.Error(err),
		)
	}
}
