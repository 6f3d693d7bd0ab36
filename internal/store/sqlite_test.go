package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobly/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

func seedApplication(t *testing.T, st Store, id string) *model.Application {
	t.Helper()
	app := &model.Application{
		ID:          id,
		PacketID:    "packet-" + id,
		JobURL:      "https://boards.greenhouse.io/acme/jobs/1",
		JobTitle:    "Backend Engineer",
		CompanyName: "Acme",
		Status:      model.ApplicationPrepared,
		StatusHistory: []model.StatusEntry{
			{Status: model.ApplicationPrepared, Timestamp: testNow, Note: "Packet generated"},
		},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, st.CreateApplication(context.Background(), app))
	return app
}

func seedIntent(t *testing.T, st Store, id string, status model.IntentStatus, expiresAt time.Time) *model.PrefillIntent {
	t.Helper()
	appID := "app-" + id
	seedApplication(t, st, appID)
	in := &model.PrefillIntent{
		ID:            id,
		ApplicationID: appID,
		PacketID:      "packet-" + appID,
		JobURL:        "https://boards.greenhouse.io/acme/jobs/1",
		UserFields: map[string]model.FieldValue{
			"first_name": model.String("Ada"),
			"years":      model.Number(7),
			"relocate":   model.Bool(false),
		},
		Attachments:    map[string]string{"resume": "/tmp/resume.pdf"},
		CommonAnswers:  map[string]string{"Why us?": "Because."},
		TokenHash:      "hash-" + id,
		TokenExpiresAt: expiresAt,
		Status:         status,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	require.NoError(t, st.CreateIntent(context.Background(), in))
	return in
}

func testLog(intentID string) *model.StoredLog {
	l := model.NewPrefillLog(intentID)
	l.DetectedATS = "greenhouse"
	l.DetectionConfidence = 0.9
	v := model.String("Ada")
	l.FilledFields = []model.FilledField{{FieldName: "first_name", Value: &v, Success: true}}
	l.Timestamp = testNow
	return &model.StoredLog{ID: "log-" + intentID, Log: l, Digest: "digest-" + intentID, CreatedAt: testNow}
}

// --- Intents ---

func TestSQLite_Intent_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	want := seedIntent(t, st, "i-1", model.IntentPending, testNow.Add(15*time.Minute))

	got, err := st.GetIntent(ctx, "i-1")
	require.NoError(t, err)

	assert.Equal(t, want.ApplicationID, got.ApplicationID)
	assert.Equal(t, want.JobURL, got.JobURL)
	assert.Equal(t, want.UserFields, got.UserFields)
	assert.Equal(t, want.Attachments, got.Attachments)
	assert.Equal(t, want.CommonAnswers, got.CommonAnswers)
	assert.Equal(t, "hash-i-1", got.TokenHash)
	assert.True(t, want.TokenExpiresAt.Equal(got.TokenExpiresAt))
	assert.Equal(t, model.IntentPending, got.Status)
	assert.Empty(t, got.AuthToken)
}

func TestSQLite_Intent_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetIntent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_TransitionIntent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "i-1", model.IntentPending, testNow.Add(time.Minute))

	require.NoError(t, st.TransitionIntent(ctx, "i-1", model.IntentPending, model.IntentFetched))

	got, err := st.GetIntent(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, model.IntentFetched, got.Status)

	// Second attempt from pending loses the CAS.
	err = st.TransitionIntent(ctx, "i-1", model.IntentPending, model.IntentFetched)
	assert.ErrorIs(t, err, ErrStaleState)

	err = st.TransitionIntent(ctx, "missing", model.IntentPending, model.IntentFetched)
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.TransitionIntent(ctx, "i-1", model.IntentFetched, model.IntentPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSQLite_TransitionIntent_SingleWinner(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "i-1", model.IntentPending, testNow.Add(time.Minute))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.TransitionIntent(ctx, "i-1", model.IntentPending, model.IntentFetched)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrStaleState)
	}
	assert.Equal(t, 1, wins)
}

func TestSQLite_ClaimIntent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "i-1", model.IntentPending, testNow.Add(time.Minute))

	err := st.ClaimIntent(ctx, "i-1", "hash-other", model.IntentPending, model.IntentFetched)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	got, err := st.GetIntent(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, model.IntentPending, got.Status)

	require.NoError(t, st.ClaimIntent(ctx, "i-1", "hash-i-1", model.IntentPending, model.IntentFetched))
	err = st.ClaimIntent(ctx, "i-1", "hash-i-1", model.IntentPending, model.IntentFetched)
	assert.ErrorIs(t, err, ErrStaleState)

	err = st.ClaimIntent(ctx, "missing", "hash-missing", model.IntentPending, model.IntentFetched)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RecordResult_RotatedToken(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "i-1", model.IntentFetched, testNow.Add(time.Minute))
	require.NoError(t, st.RotateToken(ctx, "i-1", model.IntentFetched, "new-hash"))

	err := st.RecordResult(ctx, testLog("i-1"), "hash-i-1", model.IntentCompleted)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = st.GetLog(ctx, "i-1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := st.GetIntent(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, model.IntentFetched, got.Status)
}

func TestSQLite_RotateToken(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "i-1", model.IntentPending, testNow.Add(time.Minute))

	require.NoError(t, st.RotateToken(ctx, "i-1", model.IntentPending, "new-hash"))
	got, err := st.GetIntent(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.TokenHash)

	err = st.RotateToken(ctx, "i-1", model.IntentFetched, "other-hash")
	assert.ErrorIs(t, err, ErrStaleState)
}

func TestSQLite_ListExpiring(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "old", model.IntentPending, testNow.Add(-time.Hour))
	seedIntent(t, st, "edge", model.IntentPending, testNow)
	seedIntent(t, st, "fresh", model.IntentPending, testNow.Add(time.Nanosecond))
	seedIntent(t, st, "fetched", model.IntentFetched, testNow.Add(-time.Hour))

	ids, err := st.ListExpiring(ctx, model.IntentPending, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "edge"}, ids)

	ids, err = st.ListExpiring(ctx, model.IntentPending, testNow, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}

// --- Result logs ---

func TestSQLite_RecordResult(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "i-1", model.IntentFetched, testNow.Add(time.Minute))

	sl := testLog("i-1")
	require.NoError(t, st.RecordResult(ctx, sl, "hash-i-1", model.IntentCompleted))

	in, err := st.GetIntent(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, model.IntentCompleted, in.Status)

	got, err := st.GetLog(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, sl.ID, got.ID)
	assert.Equal(t, sl.Digest, got.Digest)
	assert.Equal(t, "greenhouse", got.Log.DetectedATS)
	assert.True(t, got.Log.StoppedBeforeSubmit)
	require.Len(t, got.Log.FilledFields, 1)
	assert.Equal(t, "Ada", got.Log.FilledFields[0].Value.Text())
}

func TestSQLite_RecordResult_RequiresFetched(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "i-1", model.IntentPending, testNow.Add(time.Minute))

	err := st.RecordResult(ctx, testLog("i-1"), "hash-i-1", model.IntentCompleted)
	assert.ErrorIs(t, err, ErrStaleState)

	_, err = st.GetLog(ctx, "i-1")
	assert.ErrorIs(t, err, ErrNotFound, "no log may be written when the CAS fails")

	err = st.RecordResult(ctx, testLog("missing"), "hash-missing", model.IntentCompleted)
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.RecordResult(ctx, testLog("i-1"), "hash-i-1", model.IntentPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSQLite_RecordResult_OnlyOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedIntent(t, st, "i-1", model.IntentFetched, testNow.Add(time.Minute))

	require.NoError(t, st.RecordResult(ctx, testLog("i-1"), "hash-i-1", model.IntentFailed))

	second := testLog("i-1")
	second.ID = "log-second"
	err := st.RecordResult(ctx, second, "hash-i-1", model.IntentCompleted)
	assert.ErrorIs(t, err, ErrStaleState)

	got, err := st.GetLog(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "log-i-1", got.ID)
}

// --- Applications ---

func TestSQLite_Application_UpdateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedApplication(t, st, "app-1")

	at := testNow.Add(time.Minute)
	require.NoError(t, st.UpdateApplication(ctx, "app-1", model.ApplicationUpdate{
		Status:          model.ApplicationIntentCreated,
		Note:            "Prefill intent created",
		PrefillIntentID: "i-1",
		At:              at,
	}))
	require.NoError(t, st.UpdateApplication(ctx, "app-1", model.ApplicationUpdate{
		Status:        model.ApplicationPrefilled,
		Note:          "Prefill completed with 3 fields filled",
		PrefillLogID:  "log-1",
		LastPrefillAt: &at,
		At:            at,
	}))

	app, err := st.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationPrefilled, app.Status)
	assert.Equal(t, "i-1", app.PrefillIntentID)
	assert.Equal(t, "log-1", app.PrefillLogID)
	require.NotNil(t, app.LastPrefillAt)
	assert.True(t, at.Equal(*app.LastPrefillAt))
	require.Len(t, app.StatusHistory, 3)
	assert.Equal(t, model.ApplicationIntentCreated, app.StatusHistory[1].Status)
	assert.Equal(t, "Prefill completed with 3 fields filled", app.StatusHistory[2].Note)
}

func TestSQLite_Application_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetApplication(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateApplication(ctx, "missing", model.ApplicationUpdate{Status: model.ApplicationApplied})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListApplications(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedApplication(t, st, "app-1")
	seedApplication(t, st, "app-2")
	require.NoError(t, st.UpdateApplication(ctx, "app-2", model.ApplicationUpdate{
		Status: model.ApplicationApplied,
		At:     testNow.Add(time.Hour),
	}))

	all, err := st.ListApplications(ctx, ApplicationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "app-2", all[0].ID)

	applied, err := st.ListApplications(ctx, ApplicationFilter{Status: model.ApplicationApplied})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "app-2", applied[0].ID)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}

func TestSQLiteTime_SortsLexically(t *testing.T) {
	a := sqliteTime(testNow)
	b := sqliteTime(testNow.Add(time.Nanosecond))
	c := sqliteTime(testNow.Add(time.Hour).In(time.FixedZone("PDT", -7*3600)))
	assert.Less(t, a, b)
	assert.Less(t, b, c)

	parsed, err := parseSQLiteTime(a)
	require.NoError(t, err)
	assert.True(t, testNow.Equal(parsed))
}
