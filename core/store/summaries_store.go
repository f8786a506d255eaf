package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GroupStat is a per-(name, source) rollup over a time window, used by
// spike and regression detection.
type GroupStat struct {
	Name       string
	Source     string
	Total      int
	ErrorCount int
}

// JourneyRollup aggregates the summaries sharing a request id or
// business entity.
type JourneyRollup struct {
	TraceCount int
	ErrorCount int
	StartedAt  time.Time
	FinishedAt time.Time
}

type SummariesStore interface {
	UpsertSummary(ctx context.Context, summary *Summary) (int64, error)
	GetSummaryByTrace(ctx context.Context, traceID int64) (*Summary, error)
	ListSummaries(ctx context.Context, filter SummaryFilter) ([]Summary, error)

	DistinctFingerprintsBetween(ctx context.Context, from, to time.Time) ([]string, error)
	FingerprintSeenBefore(ctx context.Context, fingerprint string, before time.Time, lookback time.Time) (bool, error)
	GroupStatsBetween(ctx context.Context, from, to time.Time) ([]GroupStat, error)
	DurationsForGroup(ctx context.Context, name, source string, from, to time.Time) ([]float64, error)
	TotalsBetween(ctx context.Context, from, to time.Time) (total int, errorCount int, err error)

	RollupForRequest(ctx context.Context, requestID string) (*JourneyRollup, error)
	RollupForEntity(ctx context.Context, entityType string, entityID int64) (*JourneyRollup, error)

	DeleteSummaryByTrace(ctx context.Context, traceID int64) error
	DeleteSummariesBefore(ctx context.Context, cutoff time.Time, errorCutoff time.Time) (int64, error)
}

type summariesStore struct {
	db *sql.DB
}

func NewSummariesStore(db *sql.DB) SummariesStore {
	return &summariesStore{db: db}
}

// UpsertSummary inserts or replaces the rollup for a trace. The unique
// trace_id index makes retries after partial failures idempotent.
func (s *summariesStore) UpsertSummary(ctx context.Context, summary *Summary) (int64, error) {
	now := time.Now().UTC()
	if summary.SchemaVersion == "" {
		summary.SchemaVersion = "1"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries(trace_id, name, trace_type, source, status, outcome, entity_type, entity_id,
			http_status, request_method, request_id, path, job_class, queue_name,
			started_at, finished_at, duration_ms, event_count, sql_count, sql_duration_ms,
			record_link_count, error_count, user_id, account_id, error_fingerprint,
			service, environment, version, deployment, region, schema_version, payload,
			caused_by_trace_id, caused_by_event_id, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(trace_id) DO UPDATE SET
			name=excluded.name, trace_type=excluded.trace_type, source=excluded.source,
			status=excluded.status, outcome=excluded.outcome, entity_type=excluded.entity_type,
			entity_id=excluded.entity_id, http_status=excluded.http_status,
			request_method=excluded.request_method, request_id=excluded.request_id,
			path=excluded.path, job_class=excluded.job_class, queue_name=excluded.queue_name,
			started_at=excluded.started_at, finished_at=excluded.finished_at,
			duration_ms=excluded.duration_ms, event_count=excluded.event_count,
			sql_count=excluded.sql_count, sql_duration_ms=excluded.sql_duration_ms,
			record_link_count=excluded.record_link_count, error_count=excluded.error_count,
			user_id=excluded.user_id, account_id=excluded.account_id,
			error_fingerprint=excluded.error_fingerprint, service=excluded.service,
			environment=excluded.environment, version=excluded.version,
			deployment=excluded.deployment, region=excluded.region,
			schema_version=excluded.schema_version, payload=excluded.payload,
			caused_by_trace_id=excluded.caused_by_trace_id, caused_by_event_id=excluded.caused_by_event_id,
			updated_at=excluded.updated_at`,
		summary.TraceID, summary.Name, summary.TraceType, summary.Source, summary.Status, summary.Outcome,
		nullableString(summary.EntityType), nullableID(summary.EntityID),
		nullableInt(summary.HTTPStatus), nullableString(summary.RequestMethod), nullableString(summary.RequestID),
		nullableString(summary.Path), nullableString(summary.JobClass), nullableString(summary.QueueName),
		summary.StartedAt.UTC(), nullableTime(summary.FinishedAt), nullableFloat(summary.DurationMS),
		summary.EventCount, summary.SQLCount, summary.SQLDurationMS,
		summary.RecordLinkCount, summary.ErrorCount, nullableID(summary.UserID), nullableID(summary.AccountID),
		nullableString(summary.ErrorFingerprint), nullableString(summary.Service), nullableString(summary.Environment),
		nullableString(summary.Version), nullableString(summary.Deployment), nullableString(summary.Region),
		summary.SchemaVersion, mapToJSON(summary.Payload),
		nullableID(summary.CausedByTraceID), nullableID(summary.CausedByEventID), now, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	if id == 0 {
		existing, err := s.GetSummaryByTrace(ctx, summary.TraceID)
		if err != nil {
			return 0, err
		}
		id = existing.ID
	}
	summary.ID = id
	return id, nil
}

const summaryColumns = `id, trace_id, name, trace_type, source, status, outcome, entity_type, entity_id,
	http_status, request_method, request_id, path, job_class, queue_name,
	started_at, finished_at, duration_ms, event_count, sql_count, sql_duration_ms,
	record_link_count, error_count, user_id, account_id, error_fingerprint,
	service, environment, version, deployment, region, schema_version, payload,
	caused_by_trace_id, caused_by_event_id, created_at, updated_at`

func scanSummary(row interface{ Scan(...any) error }) (*Summary, error) {
	var m Summary
	var entityType, requestMethod, requestID, path, jobClass, queueName sql.NullString
	var fingerprint, service, environment, version, deployment, region sql.NullString
	var entityID, userID, accountID, causedByTrace, causedByEvent sql.NullInt64
	var httpStatus sql.NullInt64
	var finishedAt sql.NullTime
	var durationMS sql.NullFloat64
	var payloadJSON string
	if err := row.Scan(&m.ID, &m.TraceID, &m.Name, &m.TraceType, &m.Source, &m.Status, &m.Outcome,
		&entityType, &entityID, &httpStatus, &requestMethod, &requestID, &path, &jobClass, &queueName,
		&m.StartedAt, &finishedAt, &durationMS, &m.EventCount, &m.SQLCount, &m.SQLDurationMS,
		&m.RecordLinkCount, &m.ErrorCount, &userID, &accountID, &fingerprint,
		&service, &environment, &version, &deployment, &region, &m.SchemaVersion, &payloadJSON,
		&causedByTrace, &causedByEvent, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.EntityType = entityType.String
	m.EntityID = int64Ptr(entityID)
	m.HTTPStatus = intPtr(httpStatus)
	m.RequestMethod = requestMethod.String
	m.RequestID = requestID.String
	m.Path = path.String
	m.JobClass = jobClass.String
	m.QueueName = queueName.String
	m.FinishedAt = timePtr(finishedAt)
	m.DurationMS = floatPtr(durationMS)
	m.UserID = int64Ptr(userID)
	m.AccountID = int64Ptr(accountID)
	m.ErrorFingerprint = fingerprint.String
	m.Service = service.String
	m.Environment = environment.String
	m.Version = version.String
	m.Deployment = deployment.String
	m.Region = region.String
	m.Payload = parseJSONMap(payloadJSON)
	m.CausedByTraceID = int64Ptr(causedByTrace)
	m.CausedByEventID = int64Ptr(causedByEvent)
	return &m, nil
}

func (s *summariesStore) GetSummaryByTrace(ctx context.Context, traceID int64) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM summaries WHERE trace_id=?`, traceID)
	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return summary, err
}

func (s *summariesStore) ListSummaries(ctx context.Context, filter SummaryFilter) ([]Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM summaries WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, filter.Status)
	}
	if filter.TraceType != "" {
		query += ` AND trace_type=?`
		args = append(args, filter.TraceType)
	}
	if filter.Name != "" {
		query += ` AND name=?`
		args = append(args, filter.Name)
	}
	if filter.Source != "" {
		query += ` AND source=?`
		args = append(args, filter.Source)
	}
	if filter.RequestID != "" {
		query += ` AND request_id=?`
		args = append(args, filter.RequestID)
	}
	if filter.EntityType != "" {
		query += ` AND entity_type=?`
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != 0 {
		query += ` AND entity_id=?`
		args = append(args, filter.EntityID)
	}
	if filter.ErrorFingerprint != "" {
		query += ` AND error_fingerprint=?`
		args = append(args, filter.ErrorFingerprint)
	}
	if filter.WithFingerprint {
		query += ` AND error_fingerprint IS NOT NULL AND error_fingerprint != ''`
	}
	if !filter.StartedAtOrAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.StartedAtOrAfter.UTC())
	}
	if !filter.StartedBefore.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, filter.StartedBefore.UTC())
	}
	if filter.Cursor > 0 {
		query += ` AND id < ?`
		args = append(args, filter.Cursor)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if filter.OrderByStartedAsc {
		query += ` ORDER BY started_at ASC, id ASC LIMIT ?`
	} else {
		query += ` ORDER BY id DESC LIMIT ?`
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Summary{}
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *summary)
	}
	return out, rows.Err()
}

func (s *summariesStore) DistinctFingerprintsBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT error_fingerprint FROM summaries
		WHERE error_fingerprint IS NOT NULL AND error_fingerprint != ''
		AND started_at >= ? AND started_at < ?`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *summariesStore) FingerprintSeenBefore(ctx context.Context, fingerprint string, before time.Time, lookback time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM summaries
		WHERE error_fingerprint=? AND started_at >= ? AND started_at < ?`,
		fingerprint, lookback.UTC(), before.UTC()).Scan(&n)
	return n > 0, err
}

func (s *summariesStore) GroupStatsBetween(ctx context.Context, from, to time.Time) ([]GroupStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, source, COUNT(*), SUM(CASE WHEN status='error' THEN 1 ELSE 0 END)
		FROM summaries WHERE started_at >= ? AND started_at < ?
		GROUP BY name, source`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []GroupStat{}
	for rows.Next() {
		var g GroupStat
		if err := rows.Scan(&g.Name, &g.Source, &g.Total, &g.ErrorCount); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *summariesStore) DurationsForGroup(ctx context.Context, name, source string, from, to time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT duration_ms FROM summaries
		WHERE name=? AND source=? AND duration_ms IS NOT NULL
		AND started_at >= ? AND started_at < ?
		ORDER BY duration_ms ASC`, name, source, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []float64{}
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *summariesStore) TotalsBetween(ctx context.Context, from, to time.Time) (int, int, error) {
	var total int
	var errorCount sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN status='error' THEN 1 ELSE 0 END)
		FROM summaries WHERE started_at >= ? AND started_at < ?`,
		from.UTC(), to.UTC()).Scan(&total, &errorCount)
	if err != nil {
		return 0, 0, err
	}
	return total, int(errorCount.Int64), nil
}

func (s *summariesStore) RollupForRequest(ctx context.Context, requestID string) (*JourneyRollup, error) {
	return s.rollup(ctx, `request_id=?`, requestID)
}

func (s *summariesStore) RollupForEntity(ctx context.Context, entityType string, entityID int64) (*JourneyRollup, error) {
	return s.rollup(ctx, `entity_type=? AND entity_id=?`, entityType, entityID)
}

func (s *summariesStore) rollup(ctx context.Context, where string, args ...any) (*JourneyRollup, error) {
	var r JourneyRollup
	var errorCount sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN status='error' THEN 1 ELSE 0 END),
			MIN(started_at), MAX(COALESCE(finished_at, started_at))
		FROM summaries WHERE `+where, args...).
		Scan(&r.TraceCount, &errorCount, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.ErrorCount = int(errorCount.Int64)
	if startedAt.Valid {
		r.StartedAt = startedAt.Time.UTC()
	}
	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Time.UTC()
	}
	return &r, nil
}

func (s *summariesStore) DeleteSummaryByTrace(ctx context.Context, traceID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE trace_id=?`, traceID)
	return err
}

func (s *summariesStore) DeleteSummariesBefore(ctx context.Context, cutoff time.Time, errorCutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM summaries
		WHERE (started_at < ? AND status != 'error')
		OR (started_at < ? AND status = 'error')`,
		cutoff.UTC(), errorCutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
