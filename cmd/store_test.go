package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobly/internal/resilience"
	"github.com/sells-group/jobly/internal/store"
)

type flakyStore struct {
	store.Store
	failures int
	pings    int
	err      error
}

func (f *flakyStore) Ping(context.Context) error {
	f.pings++
	if f.pings <= f.failures {
		return f.err
	}
	return nil
}

func fastRetry() resilience.RetryConfig {
	rc := storeRetryConfig()
	rc.InitialBackoff = time.Millisecond
	rc.MaxBackoff = time.Millisecond
	return rc
}

func TestWaitForStore_RetriesTransient(t *testing.T) {
	st := &flakyStore{failures: 2, err: resilience.NewTransientError(errors.New("connection refused"), 0)}
	require.NoError(t, waitForStore(context.Background(), st, fastRetry()))
	assert.Equal(t, 3, st.pings)
}

func TestWaitForStore_PermanentFailsFast(t *testing.T) {
	st := &flakyStore{failures: 10, err: errors.New("password authentication failed")}
	err := waitForStore(context.Background(), st, fastRetry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: not reachable")
	assert.Equal(t, 1, st.pings)
}

func TestWaitForStore_GivesUp(t *testing.T) {
	st := &flakyStore{failures: 10, err: resilience.NewTransientError(errors.New("connection refused"), 0)}
	err := waitForStore(context.Background(), st, fastRetry())
	require.Error(t, err)
	assert.Equal(t, 5, st.pings)
}
