package prefill

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/store"
)

const sweepBatch = 200

// SweepResult counts the intents a sweep pass expired.
type SweepResult struct {
	ExpiredPending int `json:"expired_pending"`
	ExpiredFetched int `json:"expired_fetched"`
}

// Sweep expires pending intents whose TTL has elapsed and fetched intents
// that have gone unreported for longer than the policy's grace period. Each
// intent is moved by its own CAS, so a sweep racing a fetch or report never
// overwrites the winner.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now().UTC()

	var res SweepResult
	n, err := s.sweepStatus(ctx, model.IntentPending, now)
	res.ExpiredPending = n
	if err != nil {
		return res, err
	}

	n, err = s.sweepStatus(ctx, model.IntentFetched, now.Add(-s.policy.FetchedGrace))
	res.ExpiredFetched = n
	return res, err
}

func (s *Service) sweepStatus(ctx context.Context, status model.IntentStatus, before time.Time) (int, error) {
	expired := 0
	for {
		ids, err := s.store.ListExpiring(ctx, status, before, sweepBatch)
		if err != nil {
			return expired, eris.Wrapf(err, "prefill: list expiring %s intents", status)
		}
		moved := 0
		for _, id := range ids {
			err := s.store.TransitionIntent(ctx, id, status, model.IntentExpired)
			if errors.Is(err, store.ErrStaleState) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return expired, eris.Wrapf(err, "prefill: expire intent %s", id)
			}
			moved++
		}
		expired += moved
		// A short batch is the last one. A batch where every CAS lost would
		// list the same rows again, so stop there too.
		if len(ids) < sweepBatch || moved == 0 {
			return expired, nil
		}
	}
}

// Sweeper runs Sweep on a fixed interval in the background.
type Sweeper struct {
	svc      *Service
	interval time.Duration
}

// NewSweeper creates a background sweeper. A non-positive interval defaults
// to one minute.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, interval: interval}
}

// Run starts the periodic sweep loop. It blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	log := w.svc.log.With(zap.String("loop", "sweeper"))
	log.Info("starting intent sweeper", zap.Duration("interval", w.interval))

	ticker := w.svc.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("intent sweeper stopped")
			return
		case <-ticker.C:
			res, err := w.svc.Sweep(ctx)
			if err != nil {
				log.Error("sweep failed", zap.Error(err))
				continue
			}
			if res.ExpiredPending+res.ExpiredFetched == 0 {
				log.Debug("sweep found nothing to expire")
				continue
			}
			log.Info("sweep complete",
				zap.Int("expired_pending", res.ExpiredPending),
				zap.Int("expired_fetched", res.ExpiredFetched),
			)
		}
	}
}
