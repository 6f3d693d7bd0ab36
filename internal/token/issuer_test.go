package token

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue_ExpiresAfterTTL(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(1000 * time.Hour)
	iss := NewIssuer(mock)

	cred, err := iss.Issue("intent-1")
	require.NoError(t, err)

	assert.Equal(t, "intent-1", cred.IntentID)
	assert.Equal(t, mock.Now().UTC().Add(15*time.Minute), cred.ExpiresAt)
	assert.Equal(t, Hash(cred.Token), cred.Hash)
	assert.NotEqual(t, cred.Token, cred.Hash)

	raw, err := base64.RawURLEncoding.DecodeString(cred.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestIssue_Unique(t *testing.T) {
	iss := NewIssuer(nil)
	seen := make(map[string]bool)
	for range 100 {
		cred, err := iss.Issue("intent-1")
		require.NoError(t, err)
		assert.False(t, seen[cred.Token], "duplicate token issued")
		seen[cred.Token] = true
	}
}

func TestIssue_RequiresIntentID(t *testing.T) {
	_, err := NewIssuer(nil).Issue("")
	assert.Error(t, err)
}

func TestIssue_RandomFailure(t *testing.T) {
	iss := NewIssuer(clock.NewMock())
	iss.rand = func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

	_, err := iss.Issue("intent-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy exhausted")
}

func TestRotate_KeepsExpiry(t *testing.T) {
	mock := clock.NewMock()
	iss := NewIssuer(mock)

	first, err := iss.Issue("intent-1")
	require.NoError(t, err)

	mock.Add(5 * time.Minute)
	second, err := iss.Rotate("intent-1", first.ExpiresAt)
	require.NoError(t, err)

	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)
	assert.NotEqual(t, first.Token, second.Token)
	assert.False(t, Verify(second.Hash, first.Token), "old token must not match the rotated hash")
	assert.True(t, Verify(second.Hash, second.Token))
}

func TestRotate_AfterExpiry(t *testing.T) {
	mock := clock.NewMock()
	iss := NewIssuer(mock)

	cred, err := iss.Issue("intent-1")
	require.NoError(t, err)

	mock.Add(TTL)
	_, err = iss.Rotate("intent-1", cred.ExpiresAt)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	cred, err := NewIssuer(nil).Issue("intent-1")
	require.NoError(t, err)

	assert.True(t, Verify(cred.Hash, cred.Token))

	// One character off.
	b := []byte(cred.Token)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	assert.False(t, Verify(cred.Hash, string(b)))
	assert.False(t, Verify(cred.Hash, ""))
	assert.False(t, Verify("", cred.Token))
}
