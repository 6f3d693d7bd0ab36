package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// FilledField records one field the agent attempted to fill.
type FilledField struct {
	FieldName string      `json:"field_name"`
	Value     *FieldValue `json:"value,omitempty"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
}

// FieldError is a hard failure reported by the agent.
type FieldError struct {
	Field        string `json:"field"`
	ErrorMessage string `json:"error_message"`
}

// FieldMapping is a learned selector for a canonical field.
type FieldMapping struct {
	Selector string `json:"selector"`
	Type     string `json:"type"`
}

// PrefillLog is the agent's result report for one intent. It is written once
// and never mutated.
type PrefillLog struct {
	IntentID            string                  `json:"intent_id"`
	DetectedATS         string                  `json:"detected_ats,omitempty"`
	DetectionConfidence float64                 `json:"detection_confidence"`
	FilledFields        []FilledField           `json:"filled_fields"`
	MissingFields       []string                `json:"missing_fields"`
	Errors              []FieldError            `json:"errors"`
	ResumeAttached      bool                    `json:"resume_attached"`
	AttachmentErrors    []string                `json:"attachment_errors"`
	ScreenshotPaths     []string                `json:"screenshot_paths"`
	StoppedBeforeSubmit bool                    `json:"stopped_before_submit"`
	DurationSeconds     float64                 `json:"duration_seconds"`
	Timestamp           time.Time               `json:"timestamp"`
	FieldMappings       map[string]FieldMapping `json:"field_mappings,omitempty"`
}

// NewPrefillLog returns a log with the safety flag set, matching what an
// agent reports when it halts before submission.
func NewPrefillLog(intentID string) PrefillLog {
	return PrefillLog{
		IntentID:            intentID,
		StoppedBeforeSubmit: true,
	}
}

// UnmarshalJSON defaults stopped_before_submit to true when the field is
// absent from the payload.
func (l *PrefillLog) UnmarshalJSON(data []byte) error {
	type alias PrefillLog
	aux := alias{StoppedBeforeSubmit: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*l = PrefillLog(aux)
	return nil
}

// Validate checks value ranges.
func (l *PrefillLog) Validate() error {
	if l.DetectionConfidence < 0 || l.DetectionConfidence > 1 {
		return eris.Errorf("detection_confidence %v outside [0,1]", l.DetectionConfidence)
	}
	if l.DurationSeconds < 0 {
		return eris.Errorf("duration_seconds %v is negative", l.DurationSeconds)
	}
	for i, f := range l.FilledFields {
		if f.FieldName == "" {
			return eris.Errorf("filled_fields[%d]: field_name is required", i)
		}
		if f.Value != nil {
			if err := f.Value.Validate(); err != nil {
				return eris.Wrapf(err, "filled_fields[%d]", i)
			}
		}
	}
	for i, e := range l.Errors {
		if e.Field == "" && e.ErrorMessage == "" {
			return eris.Errorf("errors[%d]: empty entry", i)
		}
	}
	return nil
}

// Clean reports whether the agent recorded no hard errors.
func (l *PrefillLog) Clean() bool {
	return len(l.Errors) == 0
}

// Digest returns a stable hash of the log content. Two reports with the same
// digest are the same report.
func (l *PrefillLog) Digest() (string, error) {
	c := *l
	c.Timestamp = c.Timestamp.UTC()
	c.FilledFields = orEmpty(c.FilledFields)
	c.MissingFields = orEmpty(c.MissingFields)
	c.Errors = orEmpty(c.Errors)
	c.AttachmentErrors = orEmpty(c.AttachmentErrors)
	c.ScreenshotPaths = orEmpty(c.ScreenshotPaths)
	b, err := json.Marshal(c)
	if err != nil {
		return "", eris.Wrap(err, "model: marshal prefill log")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// orEmpty makes an absent list and an empty one encode the same way.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// StoredLog is a persisted PrefillLog.
type StoredLog struct {
	ID        string     `json:"id"`
	Log       PrefillLog `json:"log"`
	Digest    string     `json:"digest"`
	CreatedAt time.Time  `json:"created_at"`
}
