package model

import "time"

// ApplicationStatus tracks a job application through prefill and beyond.
type ApplicationStatus string

const (
	ApplicationPrepared      ApplicationStatus = "prepared"       // Packet generated, ready to apply
	ApplicationIntentCreated ApplicationStatus = "intent_created" // Prefill intent issued
	ApplicationPrefilling    ApplicationStatus = "prefilling"     // Agent is filling the form
	ApplicationPrefilled     ApplicationStatus = "prefilled"      // Form filled, awaiting user confirmation
	ApplicationApplied       ApplicationStatus = "applied"
	ApplicationRejected      ApplicationStatus = "rejected"
	ApplicationInterviewing  ApplicationStatus = "interviewing"
	ApplicationOffered       ApplicationStatus = "offered"
	ApplicationAccepted      ApplicationStatus = "accepted"
	ApplicationDeclined      ApplicationStatus = "declined"
	ApplicationWithdrawn     ApplicationStatus = "withdrawn"
)

// StatusEntry is one row of an application's status history.
type StatusEntry struct {
	Status    ApplicationStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Note      string            `json:"note"`
}

// Application is the tracked job application an intent is created against.
type Application struct {
	ID              string            `json:"id"`
	PacketID        string            `json:"packet_id"`
	JobURL          string            `json:"job_url"`
	JobTitle        string            `json:"job_title"`
	CompanyName     string            `json:"company_name"`
	Status          ApplicationStatus `json:"status"`
	StatusHistory   []StatusEntry     `json:"status_history"`
	PrefillIntentID string            `json:"prefill_intent_id,omitempty"`
	PrefillLogID    string            `json:"prefill_log_id,omitempty"`
	LastPrefillAt   *time.Time        `json:"last_prefill_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ApplicationUpdate describes a status change plus optional prefill
// references. Empty reference fields are left untouched.
type ApplicationUpdate struct {
	Status          ApplicationStatus
	Note            string
	PrefillIntentID string
	PrefillLogID    string
	LastPrefillAt   *time.Time
	At              time.Time
}

// Apply mutates app in place and appends a history entry.
func (u ApplicationUpdate) Apply(app *Application) {
	app.Status = u.Status
	app.StatusHistory = append(app.StatusHistory, StatusEntry{
		Status:    u.Status,
		Timestamp: u.At,
		Note:      u.Note,
	})
	if u.PrefillIntentID != "" {
		app.PrefillIntentID = u.PrefillIntentID
	}
	if u.PrefillLogID != "" {
		app.PrefillLogID = u.PrefillLogID
	}
	if u.LastPrefillAt != nil {
		t := *u.LastPrefillAt
		app.LastPrefillAt = &t
	}
	app.UpdatedAt = u.At
}
