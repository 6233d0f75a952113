package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one writer keeps them in force.
	db.SetMaxOpenConns(1)
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
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	site_id    TEXT NOT NULL,
	org_id     TEXT NOT NULL,
	params     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'collecting',
	result     TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS step_results (
	instance_id TEXT NOT NULL,
	step        TEXT NOT NULL,
	result      BLOB NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (instance_id, step)
);

CREATE TABLE IF NOT EXISTS site_status (
	site_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	action     TEXT NOT NULL,
	metadata   TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	instance_id    TEXT PRIMARY KEY,
	site_id        TEXT NOT NULL,
	org_id         TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_step    TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_site ON instances(site_id);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Instances ---

func (s *SQLiteStore) CreateInstance(ctx context.Context, params model.Params) (*model.Instance, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal params")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, site_id, org_id, params, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, params.SiteID, params.OrgID, string(paramsJSON), string(model.StatusCollecting), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert instance")
	}

	return &model.Instance{
		ID:        id,
		Params:    params,
		Status:    model.StatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, params, status, result, error, created_at, updated_at FROM instances WHERE id = ?`,
		id,
	)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get instance %s", id)
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]model.Instance, error) {
	query := `SELECT id, params, status, result, error, created_at, updated_at FROM instances WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list instances")
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list instances")
		}
		out = append(out, *inst)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list instances iterate")
}

func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id string, status model.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update instance status %s", id)
	}
	return checkRowsAffected(res, "instance", id)
}

// SetInstanceResult stores the terminal result. A published instance also
// leaves the dead letter queue.
func (s *SQLiteStore) SetInstanceResult(ctx context.Context, id string, result *model.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET result = ?, status = ?, error = '', updated_at = ? WHERE id = ?`,
		string(resultJSON), string(result.Status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set instance result %s", id)
	}
	if err := checkRowsAffected(res, "instance", id); err != nil {
		return err
	}
	if result.Status == model.StatusPublished {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE instance_id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: clear dlq %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit result")
}

// --- Step results ---

func (s *SQLiteStore) GetStep(ctx context.Context, instanceID, step string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM step_results WHERE instance_id = ? AND step = ?`,
		instanceID, step,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: get step %s/%s", instanceID, step)
	}
	return data, true, nil
}

// PutStep is write-once: the first persisted result for a step wins.
func (s *SQLiteStore) PutStep(ctx context.Context, instanceID, step string, result []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (instance_id, step, result, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id, step) DO NOTHING`,
		instanceID, step, result, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put step %s/%s", instanceID, step)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, instanceID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, step, length(result), created_at FROM step_results WHERE instance_id = ? ORDER BY created_at, step`,
		instanceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list steps")
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.InstanceID, &r.Step, &r.Size, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan step")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list steps iterate")
}

// --- Site status ---

func (s *SQLiteStore) UpdateStatus(ctx context.Context, siteID string, status model.Status) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO site_status (site_id, status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (site_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		siteID, string(status), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: update site status %s", siteID)
}

func (s *SQLiteStore) GetSiteStatus(ctx context.Context, siteID string) (model.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM site_status WHERE site_id = ?`, siteID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", eris.Wrapf(ErrNotFound, "sqlite: site %s", siteID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: get site status %s", siteID)
	}
	return model.Status(status), nil
}

// --- Workflow log ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, org_id, entity_id, action, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrgID, entry.EntityID, entry.Action, string(meta), entry.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, org_id, entity_id, action, metadata, created_at FROM audit_log WHERE 1=1`
	var args []any
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.InstanceID != "" {
		query += ` AND json_extract(metadata, '$.instance_id') = ?`
		args = append(args, filter.InstanceID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EntityID, &e.Action, &meta, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal audit metadata")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// --- Dead letter queue ---

// EnqueueDLQ records a failed instance. Re-enqueueing the same instance
// counts as another retry.
func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (instance_id, site_id, org_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, failed_step = excluded.failed_step,
		   retry_count = dead_letter_queue.retry_count + 1,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		e.InstanceID, e.SiteID, e.OrgID, e.Error, e.ErrorType, e.FailedStep,
		e.RetryCount, e.MaxRetries, e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	due := filter.DueBefore
	if due.IsZero() {
		due = time.Now()
	}
	query := `SELECT instance_id, site_id, org_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{due.UTC()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.InstanceID, &e.SiteID, &e.OrgID, &e.Error, &e.ErrorType, &e.FailedStep,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

// GetDLQ returns the entry for one instance, or ErrNotFound.
func (s *SQLiteStore) GetDLQ(ctx context.Context, instanceID string) (*resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, site_id, org_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		 FROM dead_letter_queue WHERE instance_id = ?`, instanceID,
	).Scan(&e.InstanceID, &e.SiteID, &e.OrgID, &e.Error, &e.ErrorType, &e.FailedStep,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: dlq entry %s", instanceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get dlq %s", instanceID)
	}
	return &e, nil
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE instance_id = ?`, instanceID)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanInstance(row scannable) (*model.Instance, error) {
	var inst model.Instance
	var paramsJSON string
	var resultJSON sql.NullString

	err := row.Scan(&inst.ID, &paramsJSON, &inst.Status, &resultJSON, &inst.Error, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan instance")
	}
	if err := json.Unmarshal([]byte(paramsJSON), &inst.Params); err != nil {
		return nil, eris.Wrap(err, "unmarshal params")
	}
	if resultJSON.Valid && resultJSON.String != "" {
		inst.Result = &model.Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), inst.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &inst, nil
}
