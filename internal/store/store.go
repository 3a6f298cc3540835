// Package store persists incidents, evidence and runbooks in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// ErrDuplicateFingerprint is returned when an active incident with the
// same fingerprint already exists. Resolved and closed incidents release
// their fingerprint, so a recurring alert can open a fresh incident after
// the old one terminates. The API maps it to 409.
var ErrDuplicateFingerprint = errors.New("incident fingerprint already exists")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const pgUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	source      TEXT NOT NULL,
	title       TEXT NOT NULL,
	severity    TEXT NOT NULL,
	status      TEXT NOT NULL,
	cluster     TEXT NOT NULL,
	namespace   TEXT NOT NULL,
	service     TEXT NOT NULL DEFAULT '',
	labels      JSONB NOT NULL DEFAULT '{}',
	annotations JSONB NOT NULL DEFAULT '{}',
	started_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	workflow_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_incidents_started_at ON incidents (started_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents (status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_active_fingerprint
	ON incidents (fingerprint) WHERE status NOT IN ('resolved', 'closed');

CREATE TABLE IF NOT EXISTS evidence (
	id                TEXT PRIMARY KEY,
	incident_id       TEXT NOT NULL REFERENCES incidents(id),
	evidence_type     TEXT NOT NULL,
	source            TEXT NOT NULL,
	entity_name       TEXT NOT NULL DEFAULT '',
	entity_namespace  TEXT NOT NULL DEFAULT '',
	data              JSONB NOT NULL DEFAULT '{}',
	signal_strength   DOUBLE PRECISION NOT NULL,
	time_window_start TIMESTAMPTZ NOT NULL,
	time_window_end   TIMESTAMPTZ NOT NULL,
	collected_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_incident ON evidence (incident_id);

CREATE TABLE IF NOT EXISTS remediation_actions (
	id                 TEXT PRIMARY KEY,
	incident_id        TEXT NOT NULL REFERENCES incidents(id),
	idempotency_key    TEXT NOT NULL UNIQUE,
	action_type        TEXT NOT NULL,
	target_resource    TEXT NOT NULL,
	target_namespace   TEXT NOT NULL,
	target_cluster     TEXT NOT NULL DEFAULT '',
	parameters         JSONB NOT NULL DEFAULT '{}',
	risk_level         TEXT NOT NULL,
	blast_radius_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	affected_replicas  INTEGER NOT NULL DEFAULT 0,
	environment        TEXT NOT NULL,
	status             TEXT NOT NULL,
	status_reason      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_incident ON remediation_actions (incident_id);

CREATE TABLE IF NOT EXISTS runbooks (
	id              TEXT PRIMARY KEY,
	incident_id     TEXT NOT NULL UNIQUE REFERENCES incidents(id),
	title           TEXT NOT NULL,
	content         JSONB NOT NULL DEFAULT '{}',
	commands        JSONB NOT NULL DEFAULT '{}',
	dashboard_links JSONB NOT NULL DEFAULT '[]',
	generated_at    TIMESTAMPTZ NOT NULL
);
`

// Store wraps the Postgres connection pool.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and bootstraps the schema.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	log.Info().Msg("Postgres store ready")
	return &Store{db: db}, nil
}

// New wraps an existing connection, used by tests.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreateIncident inserts a new incident row. A fingerprint collision
// with another active incident returns ErrDuplicateFingerprint.
func (s *Store) CreateIncident(ctx context.Context, inc *models.Incident) error {
	const q = `
		INSERT INTO incidents
			(id, fingerprint, source, title, severity, status, cluster, namespace,
			 service, labels, annotations, started_at, created_at, updated_at, workflow_id)
		VALUES
			(:id, :fingerprint, :source, :title, :severity, :status, :cluster, :namespace,
			 :service, :labels, :annotations, :started_at, :created_at, :updated_at, :workflow_id)`
	_, err := s.db.NamedExecContext(ctx, q, inc)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return ErrDuplicateFingerprint
		}
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// GetIncident fetches one incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	var inc models.Incident
	err := s.db.GetContext(ctx, &inc, `SELECT * FROM incidents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return &inc, nil
}

// ListFilter narrows ListIncidents. Zero values mean "no filter".
type ListFilter struct {
	Status    string
	Severity  string
	Namespace string
	Limit     int
	Offset    int
}

// ListIncidents returns incidents newest first, optionally filtered.
func (s *Store) ListIncidents(ctx context.Context, f ListFilter) ([]models.Incident, error) {
	q, args := buildListQuery(f)
	incidents := []models.Incident{}
	if err := s.db.SelectContext(ctx, &incidents, q, args...); err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return incidents, nil
}

func buildListQuery(f ListFilter) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`SELECT * FROM incidents`)
	var conds []string
	var args []interface{}
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			conds = append(conds, col+" = $"+strconv.Itoa(len(args)))
		}
	}
	add("status", f.Status)
	add("severity", f.Severity)
	add("namespace", f.Namespace)
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY started_at DESC")
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	sb.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sb.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	}
	return sb.String(), args
}

// UpdateIncidentStatus moves an incident to a new lifecycle status.
func (s *Store) UpdateIncidentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update incident status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWorkflowID records the workflow execution bound to an incident.
func (s *Store) SetWorkflowID(ctx context.Context, id, workflowID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET workflow_id = $1, updated_at = $2 WHERE id = $3`,
		workflowID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set workflow id: %w", err)
	}
	return nil
}

// SaveEvidence persists a batch of evidence rows for an incident.
func (s *Store) SaveEvidence(ctx context.Context, items []models.Evidence) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evidence tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO evidence
			(id, incident_id, evidence_type, source, entity_name, entity_namespace,
			 data, signal_strength, time_window_start, time_window_end, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	for _, ev := range items {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal evidence data: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q,
			ev.ID, ev.IncidentID, ev.Type, ev.Source, ev.EntityName, ev.EntityNamespace,
			data, ev.SignalStrength, ev.TimeWindowStart, ev.TimeWindowEnd, ev.CollectedAt); err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
	}
	return tx.Commit()
}

// RecordAction inserts the audit record for an action execution. It
// returns false when the idempotency key was already used, which means
// the action ran this hour and must not run again.
func (s *Store) RecordAction(ctx context.Context, action *models.RemediationAction) (bool, error) {
	const q = `
		INSERT INTO remediation_actions
			(id, incident_id, idempotency_key, action_type, target_resource, target_namespace,
			 target_cluster, parameters, risk_level, blast_radius_score, affected_replicas,
			 environment, status, status_reason, created_at, updated_at)
		VALUES
			(:id, :incident_id, :idempotency_key, :action_type, :target_resource, :target_namespace,
			 :target_cluster, :parameters, :risk_level, :blast_radius_score, :affected_replicas,
			 :environment, :status, :status_reason, :created_at, :updated_at)
		ON CONFLICT (idempotency_key) DO NOTHING`
	res, err := s.db.NamedExecContext(ctx, q, action)
	if err != nil {
		return false, fmt.Errorf("insert remediation action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert remediation action: %w", err)
	}
	return n > 0, nil
}

// UpdateActionStatus moves an action record to a new status.
func (s *Store) UpdateActionStatus(ctx context.Context, id, status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE remediation_actions SET status = $1, status_reason = $2, updated_at = $3 WHERE id = $4`,
		status, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update action status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRunbook persists a generated runbook. Re-generating for the same
// incident keeps the first copy.
func (s *Store) SaveRunbook(ctx context.Context, rb *models.Runbook) error {
	content, err := json.Marshal(map[string]interface{}{
		"summary":             rb.Summary,
		"immediate_actions":   rb.ImmediateActions,
		"prometheus_queries":  rb.Queries,
		"investigation_steps": rb.Steps,
	})
	if err != nil {
		return fmt.Errorf("marshal runbook content: %w", err)
	}
	commands, err := json.Marshal(rb.Commands)
	if err != nil {
		return fmt.Errorf("marshal runbook commands: %w", err)
	}
	links, err := json.Marshal(rb.DashboardLinks)
	if err != nil {
		return fmt.Errorf("marshal runbook links: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runbooks (id, incident_id, title, content, commands, dashboard_links, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (incident_id) DO NOTHING`,
		rb.ID, rb.IncidentID, rb.Title, content, commands, links, rb.GeneratedAt)
	if err != nil {
		return fmt.Errorf("insert runbook: %w", err)
	}
	return nil
}
