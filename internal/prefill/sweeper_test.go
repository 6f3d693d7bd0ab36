package prefill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/token"
)

func TestSweep(t *testing.T) {
	f := newFixture(t, Policy{RequireStopBeforeSubmit: true, FetchedGrace: time.Hour})
	ctx := context.Background()

	pending := f.create(t)
	f.addApplication(t, "app-2")
	fetched, err := f.svc.Create(ctx, CreateRequest{ApplicationID: "app-2"})
	require.NoError(t, err)
	_, err = f.svc.Fetch(ctx, fetched.Intent.ID, fetched.Token)
	require.NoError(t, err)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Add(token.TTL)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{ExpiredPending: 1}, res)
	assert.Equal(t, model.IntentExpired, f.status(t, pending.Intent.ID))
	assert.Equal(t, model.IntentFetched, f.status(t, fetched.Intent.ID), "fetched intents get a grace period")

	f.clock.Add(time.Hour)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{ExpiredFetched: 1}, res)
	assert.Equal(t, model.IntentExpired, f.status(t, fetched.Intent.ID))
}

func TestSweep_LeavesTerminalIntents(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	iss := f.fetched(t)
	_, err := f.svc.ReportResult(ctx, iss.Intent.ID, iss.Token, f.log(iss.Intent.ID))
	require.NoError(t, err)

	f.clock.Add(48 * time.Hour)
	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, model.IntentCompleted, f.status(t, iss.Intent.ID))
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	sweeper := NewSweeper(f.svc, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sweeper.Run did not stop after context cancellation")
	}
}

func TestSweeper_RunExpiresOnTick(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	iss := f.create(t)
	sweeper := NewSweeper(f.svc, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	// Give Run time to register its ticker on the mock clock.
	time.Sleep(50 * time.Millisecond)
	f.clock.Add(token.TTL)

	// Keep ticking so a sweep lands after the clock has passed the TTL.
	assert.Eventually(t, func() bool {
		f.clock.Add(time.Minute)
		in, err := f.store.GetIntent(context.Background(), iss.Intent.ID)
		return err == nil && in.Status == model.IntentExpired
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewSweeper_DefaultInterval(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	assert.Equal(t, time.Minute, NewSweeper(f.svc, 0).interval)
}
