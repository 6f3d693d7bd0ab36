package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/jobly/internal/db"
	"github.com/sells-group/jobly/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS applications (
	id                TEXT PRIMARY KEY,
	packet_id         TEXT NOT NULL,
	job_url           TEXT NOT NULL,
	job_title         TEXT NOT NULL DEFAULT '',
	company_name      TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'prepared',
	status_history    JSONB NOT NULL DEFAULT '[]'::jsonb,
	prefill_intent_id TEXT,
	prefill_log_id    TEXT,
	last_prefill_at   TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prefill_intents (
	id               TEXT PRIMARY KEY,
	application_id   TEXT NOT NULL REFERENCES applications(id),
	packet_id        TEXT NOT NULL,
	job_url          TEXT NOT NULL,
	user_fields      JSONB NOT NULL,
	attachments      JSONB NOT NULL,
	common_answers   JSONB NOT NULL,
	token_hash       TEXT NOT NULL,
	token_expires_at TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prefill_logs (
	id         TEXT PRIMARY KEY,
	intent_id  TEXT NOT NULL UNIQUE REFERENCES prefill_intents(id),
	log        JSONB NOT NULL,
	digest     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_applications_status ON applications(status);
CREATE INDEX IF NOT EXISTS idx_prefill_intents_status_expires ON prefill_intents(status, token_expires_at);
CREATE INDEX IF NOT EXISTS idx_prefill_intents_application ON prefill_intents(application_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Intents ---

func (s *PostgresStore) CreateIntent(ctx context.Context, in *model.PrefillIntent) error {
	fields, attachments, answers, err := marshalPayload(in)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO prefill_intents
		 (id, application_id, packet_id, job_url, user_fields, attachments, common_answers,
		  token_hash, token_expires_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		in.ID, in.ApplicationID, in.PacketID, in.JobURL, fields, attachments, answers,
		in.TokenHash, in.TokenExpiresAt.UTC(), string(in.Status), in.CreatedAt.UTC(), in.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert intent %s", in.ID)
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*model.PrefillIntent, error) {
	var in model.PrefillIntent
	var fields, attachments, answers []byte
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, application_id, packet_id, job_url, user_fields, attachments, common_answers,
		        token_hash, token_expires_at, status, created_at, updated_at
		 FROM prefill_intents WHERE id = $1`,
		id,
	).Scan(&in.ID, &in.ApplicationID, &in.PacketID, &in.JobURL,
		&fields, &attachments, &answers,
		&in.TokenHash, &in.TokenExpiresAt, &status, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get intent %s", id)
	}
	if err := unmarshalPayload(&in, fields, attachments, answers); err != nil {
		return nil, err
	}
	in.Status = model.IntentStatus(status)
	in.TokenExpiresAt = in.TokenExpiresAt.UTC()
	in.CreatedAt = in.CreatedAt.UTC()
	in.UpdatedAt = in.UpdatedAt.UTC()
	return &in, nil
}

func (s *PostgresStore) TransitionIntent(ctx context.Context, id string, from, to model.IntentStatus) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE prefill_intents SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition intent %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return missOrStale(ctx, s.pool, id, "")
}

func (s *PostgresStore) ClaimIntent(ctx context.Context, id, tokenHash string, from, to model.IntentStatus) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE prefill_intents SET status = $1, updated_at = now() WHERE id = $2 AND status = $3 AND token_hash = $4`,
		string(to), id, string(from), tokenHash,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim intent %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return missOrStale(ctx, s.pool, id, tokenHash)
}

func (s *PostgresStore) RotateToken(ctx context.Context, id string, from model.IntentStatus, tokenHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prefill_intents SET token_hash = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		tokenHash, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: rotate token %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return missOrStale(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListExpiring(ctx context.Context, status model.IntentStatus, before time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM prefill_intents
		 WHERE status = $1 AND token_expires_at <= $2
		 ORDER BY token_expires_at ASC LIMIT $3`,
		string(status), before.UTC(), listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list expiring intents")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan intent id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list expiring iterate")
}

// --- Result logs ---

func (s *PostgresStore) RecordResult(ctx context.Context, sl *model.StoredLog, tokenHash string, to model.IntentStatus) error {
	if err := checkTransition(model.IntentFetched, to); err != nil {
		return err
	}
	logJSON, err := json.Marshal(sl.Log)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal prefill log")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record result")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE prefill_intents SET status = $1, updated_at = now() WHERE id = $2 AND status = $3 AND token_hash = $4`,
		string(to), sl.Log.IntentID, string(model.IntentFetched), tokenHash,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition intent %s", sl.Log.IntentID)
	}
	if tag.RowsAffected() == 0 {
		return missOrStale(ctx, tx, sl.Log.IntentID, tokenHash)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO prefill_logs (id, intent_id, log, digest, created_at) VALUES ($1, $2, $3, $4, $5)`,
		sl.ID, sl.Log.IntentID, logJSON, sl.Digest, sl.CreatedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "postgres: insert prefill log for %s", sl.Log.IntentID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit record result")
}

func (s *PostgresStore) GetLog(ctx context.Context, intentID string) (*model.StoredLog, error) {
	var sl model.StoredLog
	var logJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, log, digest, created_at FROM prefill_logs WHERE intent_id = $1`,
		intentID,
	).Scan(&sl.ID, &logJSON, &sl.Digest, &sl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get log for %s", intentID)
	}
	if err := json.Unmarshal(logJSON, &sl.Log); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal prefill log")
	}
	sl.CreatedAt = sl.CreatedAt.UTC()
	return &sl, nil
}

// --- Applications ---

func (s *PostgresStore) CreateApplication(ctx context.Context, app *model.Application) error {
	history, err := json.Marshal(nonNilHistory(app.StatusHistory))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal status history")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO applications
		 (id, packet_id, job_url, job_title, company_name, status, status_history, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		app.ID, app.PacketID, app.JobURL, app.JobTitle, app.CompanyName,
		string(app.Status), history, app.CreatedAt.UTC(), app.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert application %s", app.ID)
}

const postgresApplicationColumns = `id, packet_id, job_url, job_title, company_name, status, status_history,
	prefill_intent_id, prefill_log_id, last_prefill_at, created_at, updated_at`

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	app, err := scanPostgresApplication(s.pool.QueryRow(ctx,
		`SELECT `+postgresApplicationColumns+` FROM applications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return app, err
}

func (s *PostgresStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]model.Application, error) {
	query := `SELECT ` + postgresApplicationColumns + ` FROM applications`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`
		args = append(args, string(filter.Status), listLimit(filter.Limit))
	} else {
		query += ` ORDER BY updated_at DESC LIMIT $1`
		args = append(args, listLimit(filter.Limit))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list applications")
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		app, err := scanPostgresApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, eris.Wrap(rows.Err(), "postgres: list applications iterate")
}

func (s *PostgresStore) UpdateApplication(ctx context.Context, id string, upd model.ApplicationUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update application")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	app, err := scanPostgresApplication(tx.QueryRow(ctx,
		`SELECT `+postgresApplicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	upd.Apply(app)
	history, err := json.Marshal(app.StatusHistory)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal status history")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE applications
		 SET status = $1, status_history = $2, prefill_intent_id = $3, prefill_log_id = $4,
		     last_prefill_at = $5, updated_at = $6
		 WHERE id = $7`,
		string(app.Status), history, optString(app.PrefillIntentID), optString(app.PrefillLogID),
		app.LastPrefillAt, app.UpdatedAt.UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "postgres: update application %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit update application")
}

// helpers

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missOrStale classifies a CAS update that matched no rows. When tokenHash is
// set, a rotated hash wins over a status change.
func missOrStale(ctx context.Context, q rowQuerier, id, tokenHash string) error {
	var status, current string
	err := q.QueryRow(ctx, `SELECT status, token_hash FROM prefill_intents WHERE id = $1`, id).Scan(&status, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read status %s", id)
	}
	if tokenHash != "" && current != tokenHash {
		return ErrTokenRevoked
	}
	return ErrStaleState
}

func scanPostgresApplication(row pgx.Row) (*model.Application, error) {
	var app model.Application
	var status string
	var history []byte
	var intentID, logID *string
	var lastPrefill *time.Time

	err := row.Scan(&app.ID, &app.PacketID, &app.JobURL, &app.JobTitle, &app.CompanyName,
		&status, &history, &intentID, &logID, &lastPrefill, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan application")
	}
	if err := json.Unmarshal(history, &app.StatusHistory); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal status history")
	}
	app.Status = model.ApplicationStatus(status)
	if intentID != nil {
		app.PrefillIntentID = *intentID
	}
	if logID != nil {
		app.PrefillLogID = *logID
	}
	if lastPrefill != nil {
		t := lastPrefill.UTC()
		app.LastPrefillAt = &t
	}
	app.CreatedAt = app.CreatedAt.UTC()
	app.UpdatedAt = app.UpdatedAt.UTC()
	return &app, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
