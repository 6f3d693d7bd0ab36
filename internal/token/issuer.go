// Package token mints and verifies the single-use bearer credentials that
// authorize a local agent to consume one prefill intent.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rotisserie/eris"
)

// TTL is the fixed validity window of a credential. It is not configurable
// and an issued expiry is never extended.
const TTL = 15 * time.Minute

// tokenBytes of entropy per credential (256 bits).
const tokenBytes = 32

// Credential is a freshly minted token. Token is the only plaintext copy;
// callers persist Hash and hand Token to the human exactly once.
type Credential struct {
	IntentID  string
	Token     string
	Hash      string
	ExpiresAt time.Time
}

// Issuer mints credentials against an injected clock.
type Issuer struct {
	clock clock.Clock
	rand  func([]byte) (int, error)
}

// NewIssuer returns an Issuer. A nil clock uses wall time.
func NewIssuer(c clock.Clock) *Issuer {
	if c == nil {
		c = clock.New()
	}
	return &Issuer{clock: c, rand: rand.Read}
}

// Issue mints a credential for intentID expiring TTL from now.
func (i *Issuer) Issue(intentID string) (Credential, error) {
	return i.mint(intentID, i.clock.Now().UTC().Add(TTL))
}

// Rotate mints a replacement credential that keeps the original expiry.
// Storing the new hash revokes the previous token.
func (i *Issuer) Rotate(intentID string, expiresAt time.Time) (Credential, error) {
	if !i.clock.Now().Before(expiresAt) {
		return Credential{}, eris.Errorf("token: credential for %s already expired", intentID)
	}
	return i.mint(intentID, expiresAt)
}

func (i *Issuer) mint(intentID string, expiresAt time.Time) (Credential, error) {
	if intentID == "" {
		return Credential{}, eris.New("token: intent id is required")
	}
	buf := make([]byte, tokenBytes)
	if _, err := i.rand(buf); err != nil {
		return Credential{}, eris.Wrap(err, "token: read random bytes")
	}
	tok := base64.RawURLEncoding.EncodeToString(buf)
	return Credential{
		IntentID:  intentID,
		Token:     tok,
		Hash:      Hash(tok),
		ExpiresAt: expiresAt,
	}, nil
}

// Hash returns the hex SHA-256 of a token, the only form that is stored.
func Hash(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether presented hashes to storedHash, in constant time.
func Verify(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	got := Hash(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(got)) == 1
}
