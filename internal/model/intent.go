package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// IntentStatus is the lifecycle state of a prefill intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentFetched   IntentStatus = "fetched"
	IntentCompleted IntentStatus = "completed"
	IntentExpired   IntentStatus = "expired"
	IntentFailed    IntentStatus = "failed"
)

// Statuses only move forward; there is no edge back into pending or fetched.
var intentTransitions = map[IntentStatus]map[IntentStatus]bool{
	IntentPending: {
		IntentFetched: true,
		IntentExpired: true,
	},
	IntentFetched: {
		IntentCompleted: true,
		IntentFailed:    true,
		IntentExpired:   true,
	},
	IntentCompleted: {},
	IntentExpired:   {},
	IntentFailed:    {},
}

// IsKnown reports whether s is one of the defined statuses.
func (s IntentStatus) IsKnown() bool {
	_, ok := intentTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition is possible from s.
func (s IntentStatus) IsTerminal() bool {
	next, ok := intentTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to IntentStatus) bool {
	return intentTransitions[from][to]
}

const maxKeyLen = 128

// PrefillIntent is one authorized, single-use form-fill task.
type PrefillIntent struct {
	ID            string                `json:"id"`
	ApplicationID string                `json:"application_id"`
	PacketID      string                `json:"packet_id"`
	JobURL        string                `json:"job_url"`
	UserFields    map[string]FieldValue `json:"user_fields"`
	Attachments   map[string]string     `json:"attachments"`
	CommonAnswers map[string]string     `json:"common_answers"`

	// AuthToken carries the plaintext credential only in the creation result
	// and the first authorized fetch. It is never persisted.
	AuthToken string `json:"auth_token,omitempty"`
	// TokenHash is the persisted digest of the current credential.
	TokenHash      string       `json:"-"`
	TokenExpiresAt time.Time    `json:"token_expires_at"`
	Status         IntentStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Validate checks the payload maps. Keys must be non-blank and reasonably
// short; attachments need a path and answers need text.
func (p *PrefillIntent) Validate() error {
	if p.JobURL == "" {
		return eris.New("job_url is required")
	}
	for k, v := range p.UserFields {
		if err := validateKey("user_fields", k); err != nil {
			return err
		}
		if err := v.Validate(); err != nil {
			return eris.Wrapf(err, "user_fields[%q]", k)
		}
	}
	for k, path := range p.Attachments {
		if err := validateKey("attachments", k); err != nil {
			return err
		}
		if strings.TrimSpace(path) == "" {
			return eris.Errorf("attachments[%q]: empty path", k)
		}
	}
	for q, a := range p.CommonAnswers {
		if err := validateKey("common_answers", q); err != nil {
			return err
		}
		if strings.TrimSpace(a) == "" {
			return eris.Errorf("common_answers[%q]: empty answer", q)
		}
	}
	return nil
}

func validateKey(field, key string) error {
	if strings.TrimSpace(key) == "" {
		return eris.Errorf("%s: blank key", field)
	}
	if len(key) > maxKeyLen {
		return eris.Errorf("%s: key %.20q... exceeds %d characters", field, key, maxKeyLen)
	}
	return nil
}

// Redacted returns a copy without the plaintext token.
func (p PrefillIntent) Redacted() PrefillIntent {
	p.AuthToken = ""
	return p
}
