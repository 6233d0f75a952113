package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sitegen/internal/db"
	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// preparedStatements lists queries to prepare on each new connection. The
// step cache is read on every step of every instance.
var preparedStatements = map[string]string{
	"get_step":      `SELECT result FROM step_results WHERE instance_id = $1 AND step = $2`,
	"put_step":      `INSERT INTO step_results (instance_id, step, result, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (instance_id, step) DO NOTHING`,
	"get_instance":  `SELECT id, params, status, result, error, created_at, updated_at FROM instances WHERE id = $1`,
	"update_status": `UPDATE instances SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg, preparedStatements)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	site_id    TEXT NOT NULL,
	org_id     TEXT NOT NULL,
	params     JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'collecting',
	result     JSONB,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS step_results (
	instance_id TEXT NOT NULL,
	step        TEXT NOT NULL,
	result      BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (instance_id, step)
);

CREATE TABLE IF NOT EXISTS site_status (
	site_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	action     TEXT NOT NULL,
	metadata   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_site ON instances(site_id);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_instance ON audit_log((metadata->>'instance_id'));
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
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

// --- Instances ---

func (s *PostgresStore) CreateInstance(ctx context.Context, params model.Params) (*model.Instance, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal params")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO instances (id, site_id, org_id, params, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, params.SiteID, params.OrgID, paramsJSON, string(model.StatusCollecting), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert instance")
	}

	return &model.Instance{
		ID:        id,
		Params:    params,
		Status:    model.StatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	inst, err := scanPgInstance(s.pool.QueryRow(ctx,
		`SELECT id, params, status, result, error, created_at, updated_at FROM instances WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get instance %s", id)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]model.Instance, error) {
	query := `SELECT id, params, status, result, error, created_at, updated_at FROM instances WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.SiteID != "" {
		query += fmt.Sprintf(` AND site_id = $%d`, argIdx)
		args = append(args, filter.SiteID)
		argIdx++
	}
	if filter.OrgID != "" {
		query += fmt.Sprintf(` AND org_id = $%d`, argIdx)
		args = append(args, filter.OrgID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list instances")
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		inst, err := scanPgInstance(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list instances")
		}
		out = append(out, *inst)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list instances iterate")
}

func (s *PostgresStore) UpdateInstanceStatus(ctx context.Context, id string, status model.Status, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instances SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update instance status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "instance %s", id)
	}
	return nil
}

// SetInstanceResult stores the terminal result. A published instance also
// leaves the dead letter queue.
func (s *PostgresStore) SetInstanceResult(ctx context.Context, id string, result *model.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE instances SET result = $1, status = $2, error = '', updated_at = $3 WHERE id = $4`,
			resultJSON, string(result.Status), time.Now().UTC(), id,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: set instance result %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "instance %s", id)
		}
		if result.Status == model.StatusPublished {
			if _, err := tx.Exec(ctx, `DELETE FROM dead_letter_queue WHERE instance_id = $1`, id); err != nil {
				return eris.Wrapf(err, "postgres: clear dlq %s", id)
			}
		}
		return nil
	})
}

// --- Step results ---

func (s *PostgresStore) GetStep(ctx context.Context, instanceID, step string) ([]byte, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM step_results WHERE instance_id = $1 AND step = $2`,
		instanceID, step,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get step %s/%s", instanceID, step)
	}
	return data, true, nil
}

// PutStep is write-once: the first persisted result for a step wins.
func (s *PostgresStore) PutStep(ctx context.Context, instanceID, step string, result []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO step_results (instance_id, step, result, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (instance_id, step) DO NOTHING`,
		instanceID, step, result, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: put step %s/%s", instanceID, step)
}

func (s *PostgresStore) ListSteps(ctx context.Context, instanceID string) ([]StepRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instance_id, step, octet_length(result), created_at FROM step_results WHERE instance_id = $1 ORDER BY created_at, step`,
		instanceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list steps")
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.InstanceID, &r.Step, &r.Size, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan step")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list steps iterate")
}

// --- Site status ---

func (s *PostgresStore) UpdateStatus(ctx context.Context, siteID string, status model.Status) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO site_status (site_id, status, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (site_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		siteID, string(status), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: update site status %s", siteID)
}

func (s *PostgresStore) GetSiteStatus(ctx context.Context, siteID string) (model.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM site_status WHERE site_id = $1`, siteID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrapf(ErrNotFound, "postgres: site %s", siteID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: get site status %s", siteID)
	}
	return model.Status(status), nil
}

// --- Workflow log ---

func (s *PostgresStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit metadata")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, org_id, entity_id, action, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.OrgID, entry.EntityID, entry.Action, meta, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, org_id, entity_id, action, metadata, created_at FROM audit_log WHERE 1=1`
	var args []any
	argIdx := 1
	if filter.EntityID != "" {
		query += fmt.Sprintf(` AND entity_id = $%d`, argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	if filter.InstanceID != "" {
		query += fmt.Sprintf(` AND metadata->>'instance_id' = $%d`, argIdx)
		args = append(args, filter.InstanceID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EntityID, &e.Action, &meta, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal audit metadata")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// --- Dead letter queue ---

// EnqueueDLQ records a failed instance. Re-enqueueing the same instance
// counts as another retry.
func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (instance_id, site_id, org_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   error = $4, error_type = $5, failed_step = $6,
		   retry_count = dead_letter_queue.retry_count + 1,
		   next_retry_at = $9, last_failed_at = $11`,
		e.InstanceID, e.SiteID, e.OrgID, e.Error, e.ErrorType, e.FailedStep,
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	due := filter.DueBefore
	if due.IsZero() {
		due = time.Now().UTC()
	}
	query := `SELECT instance_id, site_id, org_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= $1 AND retry_count < max_retries`
	args := []any{due}
	argIdx := 2

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.InstanceID, &e.SiteID, &e.OrgID, &e.Error, &e.ErrorType, &e.FailedStep,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

// GetDLQ returns the entry for one instance, or ErrNotFound.
func (s *PostgresStore) GetDLQ(ctx context.Context, instanceID string) (*resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	err := s.pool.QueryRow(ctx,
		`SELECT instance_id, site_id, org_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		 FROM dead_letter_queue WHERE instance_id = $1`, instanceID,
	).Scan(&e.InstanceID, &e.SiteID, &e.OrgID, &e.Error, &e.ErrorType, &e.FailedStep,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: dlq entry %s", instanceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get dlq %s", instanceID)
	}
	return &e, nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE instance_id = $1`, instanceID)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanPgInstance(row pgx.Row) (*model.Instance, error) {
	var inst model.Instance
	var status string
	var paramsJSON []byte
	var resultJSON *[]byte

	err := row.Scan(&inst.ID, &paramsJSON, &status, &resultJSON, &inst.Error, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan instance")
	}
	inst.Status = model.Status(status)
	if err := json.Unmarshal(paramsJSON, &inst.Params); err != nil {
		return nil, eris.Wrap(err, "unmarshal params")
	}
	if resultJSON != nil && len(*resultJSON) > 0 {
		inst.Result = &model.Result{}
		if err := json.Unmarshal(*resultJSON, inst.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &inst, nil
}
