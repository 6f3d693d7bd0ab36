package prefill

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/token"
)

func (f *fixture) fetched(t *testing.T) *Issued {
	t.Helper()
	iss := f.create(t)
	_, err := f.svc.Fetch(context.Background(), iss.Intent.ID, iss.Token)
	require.NoError(t, err)
	return iss
}

func (f *fixture) log(id string, filled ...string) model.PrefillLog {
	l := model.NewPrefillLog(id)
	l.DetectedATS = "greenhouse"
	l.DetectionConfidence = 0.8
	for _, name := range filled {
		v := model.String("value of " + name)
		l.FilledFields = append(l.FilledFields, model.FilledField{FieldName: name, Value: &v, Success: true})
	}
	l.Timestamp = f.clock.Now()
	return l
}

func TestScenario_ReportWithoutFetch(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.create(t)

	_, err := f.svc.ReportResult(context.Background(), iss.Intent.ID, iss.Token, f.log(iss.Intent.ID))
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Equal(t, model.IntentPending, f.status(t, iss.Intent.ID))
}

func TestReport_Unauthorized(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)

	_, err := f.svc.ReportResult(context.Background(), iss.Intent.ID, oneCharOff(iss.Token), f.log(iss.Intent.ID))
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Equal(t, model.IntentFetched, f.status(t, iss.Intent.ID))

	_, err = f.svc.ReportResult(context.Background(), "missing", iss.Token, f.log("missing"))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestReport_UpdatesApplication(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)

	out, err := f.svc.ReportResult(context.Background(), iss.Intent.ID, iss.Token, f.log(iss.Intent.ID, "first_name", "email", "phone"))
	require.NoError(t, err)

	app, err := f.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationPrefilled, app.Status)
	assert.Equal(t, out.LogID, app.PrefillLogID)
	require.NotNil(t, app.LastPrefillAt)
	last := app.StatusHistory[len(app.StatusHistory)-1]
	assert.Equal(t, "Prefill completed with 3 fields filled", last.Note)
}

func TestReport_ErrorsFailIntent(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)

	log := f.log(iss.Intent.ID, "first_name")
	log.Errors = []model.FieldError{{Field: "resume", ErrorMessage: "upload rejected"}}

	out, err := f.svc.ReportResult(context.Background(), iss.Intent.ID, iss.Token, log)
	require.NoError(t, err)
	assert.Equal(t, model.IntentFailed, out.Status)
	assert.Equal(t, 1, out.ErrorsCount)
	assert.Equal(t, model.IntentFailed, f.status(t, iss.Intent.ID))

	app, err := f.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationIntentCreated, app.Status)
}

func TestReport_StopBeforeSubmitPolicy(t *testing.T) {
	tests := []struct {
		name    string
		require bool
		want    model.IntentStatus
	}{
		{"enforced", true, model.IntentFailed},
		{"relaxed", false, model.IntentCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Policy{RequireStopBeforeSubmit: tt.require})
			iss := f.fetched(t)

			log := f.log(iss.Intent.ID, "first_name")
			log.StoppedBeforeSubmit = false

			out, err := f.svc.ReportResult(context.Background(), iss.Intent.ID, iss.Token, log)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
		})
	}
}

func TestReport_InvalidPayload(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)
	ctx := context.Background()

	other := f.log("someone-else")
	_, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, other)
	assert.Equal(t, KindInvalidPayload, KindOf(err))

	bad := f.log(iss.Intent.ID)
	bad.DetectionConfidence = 1.5
	_, err = f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, bad)
	assert.Equal(t, KindInvalidPayload, KindOf(err))

	assert.Equal(t, model.IntentFetched, f.status(t, iss.Intent.ID))
}

func TestReport_FillsMissingIntentID(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)

	log := f.log("", "first_name")
	out, err := f.svc.ReportResult(context.Background(), iss.Intent.ID, iss.Token, log)
	require.NoError(t, err)
	assert.Equal(t, model.IntentCompleted, out.Status)
}

func TestReport_IdenticalReplayIsNoop(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)
	ctx := context.Background()
	log := f.log(iss.Intent.ID, "first_name")

	first, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, log)
	require.NoError(t, err)

	second, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, log)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.LogID, second.LogID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, model.IntentCompleted, f.status(t, iss.Intent.ID))

	app, err := f.store.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Len(t, app.StatusHistory, 3, "a replay does not append history")
}

func TestReport_ReplayWithEmptyListsIsDuplicate(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)
	ctx := context.Background()

	log := f.log(iss.Intent.ID, "first_name")
	_, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, log)
	require.NoError(t, err)

	log.Errors = []model.FieldError{}
	log.MissingFields = []string{}
	out, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, log)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestReport_IdenticalReplayAfterTTL(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)
	ctx := context.Background()
	log := f.log(iss.Intent.ID, "first_name")

	_, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, log)
	require.NoError(t, err)

	f.clock.Add(token.TTL + time.Hour)
	out, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, log)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, model.IntentCompleted, f.status(t, iss.Intent.ID))
}

func TestReport_DivergentReplayConflicts(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)
	ctx := context.Background()

	_, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, f.log(iss.Intent.ID, "first_name"))
	require.NoError(t, err)

	_, err = f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, f.log(iss.Intent.ID, "first_name", "email"))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, model.IntentCompleted, f.status(t, iss.Intent.ID))
}

func TestReport_AfterTTLExpires(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)

	f.clock.Add(token.TTL)
	_, err := f.svc.ReportResult(context.Background(), iss.Intent.ID, iss.Token, f.log(iss.Intent.ID))
	assert.Equal(t, KindExpired, KindOf(err))
	assert.Equal(t, model.IntentExpired, f.status(t, iss.Intent.ID))
}

func TestReport_ConcurrentIdenticalReports(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.fetched(t)
	log := f.log(iss.Intent.ID, "first_name")

	const workers = 8
	var wg sync.WaitGroup
	outs := make([]*ReportOutcome, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = f.svc.ReportResult(context.Background(), iss.Intent.ID, iss.Token, log)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, model.IntentCompleted, outs[i].Status)
		if !outs[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one report is recorded")
}

// statusRank orders statuses along the lifecycle; it must never decrease.
func statusRank(s model.IntentStatus) int {
	switch s {
	case model.IntentPending:
		return 0
	case model.IntentFetched:
		return 1
	default:
		return 2
	}
}

func TestStatus_NeverMovesBackward(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for run := range 20 {
		f := newFixture(t, DefaultPolicy())
		iss := f.create(t)
		ctx := context.Background()
		tok := iss.Token
		prev := model.IntentPending
		final := false

		for range 12 {
			switch rng.IntN(6) {
			case 0:
				_, _ = f.svc.Fetch(ctx, iss.Intent.ID, tok)
			case 1:
				_, _ = f.svc.ReportResult(ctx, iss.Intent.ID, tok, f.log(iss.Intent.ID, "a"))
			case 2:
				log := f.log(iss.Intent.ID)
				log.Errors = []model.FieldError{{Field: "x", ErrorMessage: "boom"}}
				_, _ = f.svc.ReportResult(ctx, iss.Intent.ID, tok, log)
			case 3:
				if re, err := f.svc.Reissue(ctx, iss.Intent.ID); err == nil {
					tok = re.Token
				}
			case 4:
				f.clock.Add(time.Duration(rng.IntN(10)) * time.Minute)
			case 5:
				_, _ = f.svc.Sweep(ctx)
			}

			cur := f.status(t, iss.Intent.ID)
			require.GreaterOrEqual(t, statusRank(cur), statusRank(prev), "run %d: %s -> %s", run, prev, cur)
			if final {
				require.Equal(t, prev, cur, "run %d: terminal status changed", run)
			}
			final = cur.IsTerminal()
			prev = cur
		}
	}
}
