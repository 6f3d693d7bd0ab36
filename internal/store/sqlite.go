package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/jobly/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Pragmas like busy_timeout are per connection; a single connection keeps
	// them in force and serializes writers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as fixed-width UTC text so that string comparison
// in SQL orders them correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS applications (
	id                TEXT PRIMARY KEY,
	packet_id         TEXT NOT NULL,
	job_url           TEXT NOT NULL,
	job_title         TEXT NOT NULL DEFAULT '',
	company_name      TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'prepared',
	status_history    TEXT NOT NULL DEFAULT '[]',
	prefill_intent_id TEXT,
	prefill_log_id    TEXT,
	last_prefill_at   TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prefill_intents (
	id               TEXT PRIMARY KEY,
	application_id   TEXT NOT NULL REFERENCES applications(id),
	packet_id        TEXT NOT NULL,
	job_url          TEXT NOT NULL,
	user_fields      TEXT NOT NULL,
	attachments      TEXT NOT NULL,
	common_answers   TEXT NOT NULL,
	token_hash       TEXT NOT NULL,
	token_expires_at TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prefill_logs (
	id         TEXT PRIMARY KEY,
	intent_id  TEXT NOT NULL UNIQUE REFERENCES prefill_intents(id),
	log        TEXT NOT NULL,
	digest     TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_applications_status ON applications(status);
CREATE INDEX IF NOT EXISTS idx_prefill_intents_status_expires ON prefill_intents(status, token_expires_at);
CREATE INDEX IF NOT EXISTS idx_prefill_intents_application ON prefill_intents(application_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Intents ---

func (s *SQLiteStore) CreateIntent(ctx context.Context, in *model.PrefillIntent) error {
	fields, attachments, answers, err := marshalPayload(in)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prefill_intents
		 (id, application_id, packet_id, job_url, user_fields, attachments, common_answers,
		  token_hash, token_expires_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ApplicationID, in.PacketID, in.JobURL,
		string(fields), string(attachments), string(answers),
		in.TokenHash, sqliteTime(in.TokenExpiresAt), string(in.Status),
		sqliteTime(in.CreatedAt), sqliteTime(in.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert intent %s", in.ID)
}

func (s *SQLiteStore) GetIntent(ctx context.Context, id string) (*model.PrefillIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, application_id, packet_id, job_url, user_fields, attachments, common_answers,
		        token_hash, token_expires_at, status, created_at, updated_at
		 FROM prefill_intents WHERE id = ?`,
		id,
	)

	var in model.PrefillIntent
	var fields, attachments, answers, expires, created, updated string
	err := row.Scan(&in.ID, &in.ApplicationID, &in.PacketID, &in.JobURL,
		&fields, &attachments, &answers,
		&in.TokenHash, &expires, &in.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get intent %s", id)
	}

	if err := unmarshalPayload(&in, []byte(fields), []byte(attachments), []byte(answers)); err != nil {
		return nil, err
	}
	if in.TokenExpiresAt, err = parseSQLiteTime(expires); err != nil {
		return nil, err
	}
	if in.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if in.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *SQLiteStore) TransitionIntent(ctx context.Context, id string, from, to model.IntentStatus) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE prefill_intents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), sqliteTime(time.Now()), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition intent %s", id)
	}
	return s.casResult(ctx, s.db, res, id, "")
}

func (s *SQLiteStore) ClaimIntent(ctx context.Context, id, tokenHash string, from, to model.IntentStatus) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE prefill_intents SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND token_hash = ?`,
		string(to), sqliteTime(time.Now()), id, string(from), tokenHash,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim intent %s", id)
	}
	return s.casResult(ctx, s.db, res, id, tokenHash)
}

func (s *SQLiteStore) RotateToken(ctx context.Context, id string, from model.IntentStatus, tokenHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prefill_intents SET token_hash = ?, updated_at = ? WHERE id = ? AND status = ?`,
		tokenHash, sqliteTime(time.Now()), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: rotate token %s", id)
	}
	return s.casResult(ctx, s.db, res, id, "")
}

func (s *SQLiteStore) ListExpiring(ctx context.Context, status model.IntentStatus, before time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM prefill_intents
		 WHERE status = ? AND token_expires_at <= ?
		 ORDER BY token_expires_at ASC LIMIT ?`,
		string(status), sqliteTime(before), listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list expiring intents")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan intent id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list expiring iterate")
}

// --- Result logs ---

func (s *SQLiteStore) RecordResult(ctx context.Context, sl *model.StoredLog, tokenHash string, to model.IntentStatus) error {
	if err := checkTransition(model.IntentFetched, to); err != nil {
		return err
	}
	logJSON, err := json.Marshal(sl.Log)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal prefill log")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record result")
	}
	defer tx.Rollback() //nolint:errcheck

	// The status CAS runs first so that only one report can ever reach the
	// insert for a given intent.
	res, err := tx.ExecContext(ctx,
		`UPDATE prefill_intents SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND token_hash = ?`,
		string(to), sqliteTime(time.Now()), sl.Log.IntentID, string(model.IntentFetched), tokenHash,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition intent %s", sl.Log.IntentID)
	}
	if err := s.casResult(ctx, tx, res, sl.Log.IntentID, tokenHash); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO prefill_logs (id, intent_id, log, digest, created_at) VALUES (?, ?, ?, ?, ?)`,
		sl.ID, sl.Log.IntentID, string(logJSON), sl.Digest, sqliteTime(sl.CreatedAt),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert prefill log for %s", sl.Log.IntentID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit record result")
}

func (s *SQLiteStore) GetLog(ctx context.Context, intentID string) (*model.StoredLog, error) {
	var sl model.StoredLog
	var logJSON, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, log, digest, created_at FROM prefill_logs WHERE intent_id = ?`,
		intentID,
	).Scan(&sl.ID, &logJSON, &sl.Digest, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get log for %s", intentID)
	}
	if err := json.Unmarshal([]byte(logJSON), &sl.Log); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal prefill log")
	}
	if sl.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	return &sl, nil
}

// --- Applications ---

func (s *SQLiteStore) CreateApplication(ctx context.Context, app *model.Application) error {
	history, err := json.Marshal(nonNilHistory(app.StatusHistory))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal status history")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO applications
		 (id, packet_id, job_url, job_title, company_name, status, status_history, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.PacketID, app.JobURL, app.JobTitle, app.CompanyName,
		string(app.Status), string(history), sqliteTime(app.CreatedAt), sqliteTime(app.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert application %s", app.ID)
}

const sqliteApplicationColumns = `id, packet_id, job_url, job_title, company_name, status, status_history,
	prefill_intent_id, prefill_log_id, last_prefill_at, created_at, updated_at`

func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteApplicationColumns+` FROM applications WHERE id = ?`, id)
	app, err := scanSQLiteApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return app, err
}

func (s *SQLiteStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]model.Application, error) {
	query := `SELECT ` + sqliteApplicationColumns + ` FROM applications WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list applications")
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		app, err := scanSQLiteApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, eris.Wrap(rows.Err(), "sqlite: list applications iterate")
}

func (s *SQLiteStore) UpdateApplication(ctx context.Context, id string, upd model.ApplicationUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update application")
	}
	defer tx.Rollback() //nolint:errcheck

	app, err := scanSQLiteApplication(tx.QueryRowContext(ctx,
		`SELECT `+sqliteApplicationColumns+` FROM applications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	upd.Apply(app)
	history, err := json.Marshal(app.StatusHistory)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal status history")
	}
	var lastPrefill sql.NullString
	if app.LastPrefillAt != nil {
		lastPrefill = sql.NullString{String: sqliteTime(*app.LastPrefillAt), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE applications
		 SET status = ?, status_history = ?, prefill_intent_id = ?, prefill_log_id = ?,
		     last_prefill_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(app.Status), string(history), nullString(app.PrefillIntentID), nullString(app.PrefillLogID),
		lastPrefill, sqliteTime(app.UpdatedAt), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update application %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit update application")
}

// helpers

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// casResult classifies a CAS update. When tokenHash is set, a rotated hash
// wins over a status change.
func (s *SQLiteStore) casResult(ctx context.Context, q sqliteQuerier, res sql.Result, id, tokenHash string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var status, current string
	err = q.QueryRowContext(ctx, `SELECT status, token_hash FROM prefill_intents WHERE id = ?`, id).Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read status %s", id)
	}
	if tokenHash != "" && current != tokenHash {
		return ErrTokenRevoked
	}
	return ErrStaleState
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteApplication(row scannable) (*model.Application, error) {
	var app model.Application
	var history, created, updated string
	var intentID, logID, lastPrefill sql.NullString

	err := row.Scan(&app.ID, &app.PacketID, &app.JobURL, &app.JobTitle, &app.CompanyName,
		&app.Status, &history, &intentID, &logID, &lastPrefill, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan application")
	}

	if err := json.Unmarshal([]byte(history), &app.StatusHistory); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal status history")
	}
	app.PrefillIntentID = intentID.String
	app.PrefillLogID = logID.String
	if lastPrefill.Valid {
		t, err := parseSQLiteTime(lastPrefill.String)
		if err != nil {
			return nil, err
		}
		app.LastPrefillAt = &t
	}
	if app.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if app.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &app, nil
}

func marshalPayload(in *model.PrefillIntent) (fields, attachments, answers []byte, err error) {
	if fields, err = json.Marshal(nonNilMap(in.UserFields)); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal user fields")
	}
	if attachments, err = json.Marshal(nonNilMap(in.Attachments)); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal attachments")
	}
	if answers, err = json.Marshal(nonNilMap(in.CommonAnswers)); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal common answers")
	}
	return fields, attachments, answers, nil
}

func unmarshalPayload(in *model.PrefillIntent, fields, attachments, answers []byte) error {
	if err := json.Unmarshal(fields, &in.UserFields); err != nil {
		return eris.Wrap(err, "store: unmarshal user fields")
	}
	if err := json.Unmarshal(attachments, &in.Attachments); err != nil {
		return eris.Wrap(err, "store: unmarshal attachments")
	}
	if err := json.Unmarshal(answers, &in.CommonAnswers); err != nil {
		return eris.Wrap(err, "store: unmarshal common answers")
	}
	return nil
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func nonNilHistory(h []model.StatusEntry) []model.StatusEntry {
	if h == nil {
		return []model.StatusEntry{}
	}
	return h
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
