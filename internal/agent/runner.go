package agent

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/resilience"
	"github.com/sells-group/jobly/pkg/prefillclient"
)

// RunnerConfig controls one agent run.
type RunnerConfig struct {
	// StopBeforeSubmit is passed to the filler and reported in the log.
	StopBeforeSubmit bool
	// Retry governs fetch and report attempts. Its clock defaults to the
	// runner's.
	Retry resilience.RetryConfig
}

// Runner drives one intent through fetch, fill and report.
type Runner struct {
	client prefillclient.Client
	filler Filler
	clock  clock.Clock
	cfg    RunnerConfig
}

// RunResult is the log that was reported and the server's acknowledgement.
type RunResult struct {
	Log    model.PrefillLog
	Report *prefillclient.ReportResponse
}

// NewRunner creates a Runner.
func NewRunner(client prefillclient.Client, filler Filler, c clock.Clock, cfg RunnerConfig) *Runner {
	if c == nil {
		c = clock.New()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = c
	}
	return &Runner{client: client, filler: filler, clock: c, cfg: cfg}
}

// Run fetches the intent, fills it and reports the result. A fill failure is
// still reported so the intent lands in failed, and is then returned.
func (r *Runner) Run(ctx context.Context, intentID, tok string) (*RunResult, error) {
	log := zap.L().With(zap.String("component", "agent"), zap.String("intent_id", intentID))

	if !r.client.Health(ctx) {
		log.Warn("agent: api health check failed, continuing")
	}

	intent, err := resilience.DoVal(ctx, r.retryConfig("fetch_intent"), func(ctx context.Context) (*model.PrefillIntent, error) {
		return r.client.FetchIntent(ctx, intentID, tok)
	})
	if err != nil {
		return nil, eris.Wrap(err, "agent: fetch intent")
	}
	log.Info("agent: intent fetched",
		zap.String("status", string(intent.Status)),
		zap.Int("user_fields", len(intent.UserFields)),
		zap.Int("attachments", len(intent.Attachments)),
	)

	start := r.clock.Now()
	res, fillErr := r.filler.Fill(ctx, intent, FillOptions{StopBeforeSubmit: r.cfg.StopBeforeSubmit})
	if fillErr != nil {
		log.Error("agent: fill failed", zap.Error(fillErr))
		res = &FillResult{Errors: []model.FieldError{{Field: "form", ErrorMessage: fillErr.Error()}}}
	}

	entry := r.buildLog(intentID, res)
	entry.DurationSeconds = r.clock.Now().Sub(start).Seconds()

	ack, err := resilience.DoVal(ctx, r.retryConfig("report_result"), func(ctx context.Context) (*prefillclient.ReportResponse, error) {
		return r.client.ReportResult(ctx, intentID, tok, entry)
	})
	if err != nil {
		return nil, eris.Wrap(err, "agent: report result")
	}

	log.Info("agent: result reported",
		zap.String("log_id", ack.LogID),
		zap.String("status", string(ack.Status)),
		zap.Int("filled_fields", ack.FilledFieldsCount),
		zap.Int("errors", ack.ErrorsCount),
		zap.Bool("duplicate", ack.Duplicate),
	)

	out := &RunResult{Log: entry, Report: ack}
	if fillErr != nil {
		return out, eris.Wrap(fillErr, "agent: fill")
	}
	return out, nil
}

func (r *Runner) buildLog(intentID string, res *FillResult) model.PrefillLog {
	entry := model.NewPrefillLog(intentID)
	entry.DetectedATS = res.DetectedATS
	entry.DetectionConfidence = res.DetectionConfidence
	entry.FilledFields = orEmpty(res.FilledFields)
	entry.MissingFields = orEmpty(res.MissingFields)
	entry.Errors = orEmpty(res.Errors)
	entry.ResumeAttached = res.ResumeAttached
	entry.AttachmentErrors = orEmpty(res.AttachmentErrors)
	entry.ScreenshotPaths = orEmpty(res.ScreenshotPaths)
	entry.FieldMappings = res.FieldMappings
	entry.StoppedBeforeSubmit = r.cfg.StopBeforeSubmit
	entry.Timestamp = r.clock.Now().UTC()
	return entry
}

func (r *Runner) retryConfig(op string) resilience.RetryConfig {
	cfg := r.cfg.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("prefill", op)
	}
	return cfg
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
