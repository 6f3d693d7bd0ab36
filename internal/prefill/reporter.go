package prefill

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/store"
)

// ReportOutcome summarizes a recorded (or replayed) result report.
type ReportOutcome struct {
	LogID             string             `json:"log_id"`
	Status            model.IntentStatus `json:"status"`
	FilledFieldsCount int                `json:"filled_fields_count"`
	ErrorsCount       int                `json:"errors_count"`
	Duplicate         bool               `json:"duplicate"`
}

// ReportResult reconciles an agent's result log against its intent. A report
// is accepted once; an identical replay is a no-op and a different one is a
// Conflict. There is no internal retry.
func (s *Service) ReportResult(ctx context.Context, id, presented string, log model.PrefillLog) (*ReportOutcome, error) {
	in, err := s.authorize(ctx, id, presented)
	if err != nil {
		return nil, err
	}

	if log.IntentID == "" {
		log.IntentID = id
	}
	if log.IntentID != id {
		return nil, newError(KindInvalidPayload, "log intent_id %q does not match %q", log.IntentID, id)
	}
	if err := log.Validate(); err != nil {
		return nil, newError(KindInvalidPayload, "%s", err.Error())
	}
	digest, err := log.Digest()
	if err != nil {
		return nil, eris.Wrap(err, "prefill: digest log")
	}

	// Replays are settled before expiry so an identical retry after the TTL
	// still succeeds without touching state.
	if out, err := s.replay(ctx, in, digest); out != nil || err != nil {
		return out, err
	}

	switch in.Status {
	case model.IntentPending:
		return nil, newError(KindInvalidState, "intent %s has not been fetched", id)
	case model.IntentExpired:
		return nil, newError(KindExpired, "intent %s has expired", id)
	case model.IntentFetched:
	default:
		return nil, newError(KindInvalidState, "intent %s is already %s", id, in.Status)
	}
	if s.elapsed(in) {
		return nil, s.expire(ctx, in)
	}

	next := s.outcome(&log)
	now := s.clock.Now().UTC()
	sl := &model.StoredLog{
		ID:        uuid.New().String(),
		Log:       log,
		Digest:    digest,
		CreatedAt: now,
	}

	err = s.store.RecordResult(ctx, sl, in.TokenHash, next)
	if errors.Is(err, store.ErrTokenRevoked) {
		s.log.Warn("token revoked during report", zap.String("intent_id", id))
		return nil, newError(KindUnauthorized, "invalid token for intent %s", id)
	}
	if errors.Is(err, store.ErrStaleState) {
		// A concurrent report won. Resolve against what it stored.
		cur, gerr := s.get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if out, rerr := s.replay(ctx, cur, digest); out != nil || rerr != nil {
			return out, rerr
		}
		if cur.Status == model.IntentExpired {
			return nil, newError(KindExpired, "intent %s has expired", id)
		}
		return nil, newError(KindInvalidState, "intent %s changed status concurrently", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "prefill: record result")
	}

	s.log.Info("prefill result recorded",
		zap.String("intent_id", id),
		zap.String("log_id", sl.ID),
		zap.String("status", string(next)),
		zap.Int("filled_fields", len(log.FilledFields)),
		zap.Int("errors", len(log.Errors)),
	)

	appStatus := model.ApplicationPrefilled
	if next == model.IntentFailed {
		appStatus = model.ApplicationIntentCreated
	}
	s.updateApplication(ctx, in.ApplicationID, model.ApplicationUpdate{
		Status:        appStatus,
		Note:          fmt.Sprintf("Prefill completed with %d fields filled", len(log.FilledFields)),
		PrefillLogID:  sl.ID,
		LastPrefillAt: &now,
		At:            now,
	})

	return &ReportOutcome{
		LogID:             sl.ID,
		Status:            next,
		FilledFieldsCount: len(log.FilledFields),
		ErrorsCount:       len(log.Errors),
	}, nil
}

// replay resolves a report against an already stored log. It returns nil, nil
// when no log exists yet.
func (s *Service) replay(ctx context.Context, in *model.PrefillIntent, digest string) (*ReportOutcome, error) {
	existing, err := s.store.GetLog(ctx, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "prefill: get existing log")
	}
	if existing.Digest != digest {
		s.log.Warn("divergent result replay", zap.String("intent_id", in.ID))
		return nil, newError(KindConflict, "a different result was already recorded for intent %s", in.ID)
	}
	status := in.Status
	if !status.IsTerminal() {
		status = s.outcome(&existing.Log)
	}
	return &ReportOutcome{
		LogID:             existing.ID,
		Status:            status,
		FilledFieldsCount: len(existing.Log.FilledFields),
		ErrorsCount:       len(existing.Log.Errors),
		Duplicate:         true,
	}, nil
}

// outcome decides the terminal status for a report.
func (s *Service) outcome(log *model.PrefillLog) model.IntentStatus {
	if !log.Clean() {
		return model.IntentFailed
	}
	if s.policy.RequireStopBeforeSubmit && !log.StoppedBeforeSubmit {
		return model.IntentFailed
	}
	return model.IntentCompleted
}
