package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type TracesStore interface {
	CreateTrace(ctx context.Context, trace *Trace) (int64, error)
	UpdateTraceFinish(ctx context.Context, traceID int64, status string, finishedAt time.Time, contextMap map[string]any) error
	UpdateTraceContext(ctx context.Context, traceID int64, contextMap map[string]any) error
	GetTrace(ctx context.Context, id int64) (*Trace, error)
	ListTraces(ctx context.Context, filter TraceFilter) ([]Trace, error)
	DeleteTrace(ctx context.Context, id int64) error

	AddEvent(ctx context.Context, event *Event) (int64, error)
	ListEvents(ctx context.Context, traceID int64) ([]Event, error)
	CountEventsByType(ctx context.Context, traceID int64) (map[string]int, error)
	SumEventDurationByType(ctx context.Context, traceID int64, eventType string) (float64, error)

	FindOrCreateRecordLink(ctx context.Context, traceID int64, entityType string, entityID int64) (*RecordLink, bool, error)
	FirstRecordLink(ctx context.Context, traceID int64) (*RecordLink, error)
	CountRecordLinks(ctx context.Context, traceID int64) (int, error)

	// ListUnlinkedErrorTraces returns errored traces since the cutoff
	// that have no error links yet, oldest first.
	ListUnlinkedErrorTraces(ctx context.Context, since time.Time, limit int) ([]Trace, error)

	FindOrCreateErrorLink(ctx context.Context, traceID int64, errorID int64) (*ErrorLink, bool, error)
	ListErrorLinks(ctx context.Context, traceID int64) ([]ErrorLink, error)
	CountErrorLinks(ctx context.Context, traceID int64) (int, error)
	HasErrorLinks(ctx context.Context, traceID int64) (bool, error)

	DeleteTracesBefore(ctx context.Context, cutoff time.Time, errorCutoff time.Time) (int64, error)
}

type tracesStore struct {
	db *sql.DB
}

func NewTracesStore(db *sql.DB) TracesStore {
	return &tracesStore{db: db}
}

func (s *tracesStore) CreateTrace(ctx context.Context, trace *Trace) (int64, error) {
	now := time.Now().UTC()
	if trace.StartedAt.IsZero() {
		trace.StartedAt = now
	}
	if strings.TrimSpace(trace.Status) == "" {
		trace.Status = "ok"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO traces(name, trace_type, source, status, context, started_at, finished_at, caused_by_trace_id, caused_by_event_id, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		trace.Name, trace.TraceType, trace.Source, trace.Status, mapToJSON(trace.Context), trace.StartedAt.UTC(), nullableTime(trace.FinishedAt), nullableID(trace.CausedByTraceID), nullableID(trace.CausedByEventID), now, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	trace.ID = id
	trace.CreatedAt = now
	trace.UpdatedAt = now
	return id, nil
}

func (s *tracesStore) UpdateTraceFinish(ctx context.Context, traceID int64, status string, finishedAt time.Time, contextMap map[string]any) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE traces SET status=?, finished_at=?, context=?, updated_at=?
		WHERE id=?`,
		status, finishedAt.UTC(), mapToJSON(contextMap), now, traceID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *tracesStore) UpdateTraceContext(ctx context.Context, traceID int64, contextMap map[string]any) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE traces SET context=?, updated_at=? WHERE id=?`,
		mapToJSON(contextMap), now, traceID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

const traceColumns = `id, name, trace_type, source, status, context, started_at, finished_at, caused_by_trace_id, caused_by_event_id, created_at, updated_at`

func scanTrace(row interface{ Scan(...any) error }) (*Trace, error) {
	var t Trace
	var contextJSON string
	var finishedAt sql.NullTime
	var causedByTrace, causedByEvent sql.NullInt64
	if err := row.Scan(&t.ID, &t.Name, &t.TraceType, &t.Source, &t.Status, &contextJSON, &t.StartedAt, &finishedAt, &causedByTrace, &causedByEvent, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Context = parseJSONMap(contextJSON)
	t.FinishedAt = timePtr(finishedAt)
	t.CausedByTraceID = int64Ptr(causedByTrace)
	t.CausedByEventID = int64Ptr(causedByEvent)
	return &t, nil
}

func (s *tracesStore) GetTrace(ctx context.Context, id int64) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE id=?`, id)
	trace, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return trace, err
}

func (s *tracesStore) ListTraces(ctx context.Context, filter TraceFilter) ([]Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM traces WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, filter.Status)
	}
	if filter.TraceType != "" {
		query += ` AND trace_type=?`
		args = append(args, filter.TraceType)
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	if filter.Cursor > 0 {
		query += ` AND id < ?`
		args = append(args, filter.Cursor)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Trace{}
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *trace)
	}
	return out, rows.Err()
}

func (s *tracesStore) DeleteTrace(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM trace_events WHERE trace_id=?`,
		`DELETE FROM record_links WHERE trace_id=?`,
		`DELETE FROM error_links WHERE trace_id=?`,
		`DELETE FROM traces WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *tracesStore) AddEvent(ctx context.Context, event *Event) (int64, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_events(trace_id, event_type, name, payload, duration_ms, occurred_at)
		VALUES(?,?,?,?,?,?)`,
		event.TraceID, event.EventType, event.Name, mapToJSON(event.Payload), nullableFloat(event.DurationMS), event.OccurredAt.UTC())
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	event.ID = id
	return id, nil
}

func (s *tracesStore) ListEvents(ctx context.Context, traceID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, event_type, name, payload, duration_ms, occurred_at
		FROM trace_events WHERE trace_id=? ORDER BY occurred_at ASC, id ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		var e Event
		var payloadJSON string
		var duration sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.TraceID, &e.EventType, &e.Name, &payloadJSON, &duration, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Payload = parseJSONMap(payloadJSON)
		e.DurationMS = floatPtr(duration)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *tracesStore) CountEventsByType(ctx context.Context, traceID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM trace_events WHERE trace_id=? GROUP BY event_type`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, err
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

func (s *tracesStore) SumEventDurationByType(ctx context.Context, traceID int64, eventType string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(duration_ms) FROM trace_events WHERE trace_id=? AND event_type=?`, traceID, eventType).Scan(&total)
	if err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return roundMS(total.Float64), nil
}

func (s *tracesStore) FindOrCreateRecordLink(ctx context.Context, traceID int64, entityType string, entityID int64) (*RecordLink, bool, error) {
	existing := &RecordLink{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, entity_type, entity_id, created_at
		FROM record_links WHERE trace_id=? AND entity_type=? AND entity_id=?`,
		traceID, entityType, entityID).
		Scan(&existing.ID, &existing.TraceID, &existing.EntityType, &existing.EntityID, &existing.CreatedAt)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO record_links(trace_id, entity_type, entity_id, created_at) VALUES(?,?,?,?)
		ON CONFLICT(trace_id, entity_type, entity_id) DO NOTHING`,
		traceID, entityType, entityID, now)
	if err != nil {
		return nil, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Lost a race; re-read the winner.
		return s.FindOrCreateRecordLink(ctx, traceID, entityType, entityID)
	}
	id, _ := res.LastInsertId()
	return &RecordLink{ID: id, TraceID: traceID, EntityType: entityType, EntityID: entityID, CreatedAt: now}, true, nil
}

func (s *tracesStore) FirstRecordLink(ctx context.Context, traceID int64) (*RecordLink, error) {
	link := &RecordLink{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, entity_type, entity_id, created_at
		FROM record_links WHERE trace_id=? ORDER BY id ASC LIMIT 1`, traceID).
		Scan(&link.ID, &link.TraceID, &link.EntityType, &link.EntityID, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (s *tracesStore) CountRecordLinks(ctx context.Context, traceID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_links WHERE trace_id=?`, traceID).Scan(&n)
	return n, err
}

func (s *tracesStore) ListUnlinkedErrorTraces(ctx context.Context, since time.Time, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+traceColumns+` FROM traces
		WHERE status='error' AND started_at >= ?
		AND id NOT IN (SELECT trace_id FROM error_links)
		ORDER BY started_at ASC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Trace{}
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *trace)
	}
	return out, rows.Err()
}

func (s *tracesStore) FindOrCreateErrorLink(ctx context.Context, traceID int64, errorID int64) (*ErrorLink, bool, error) {
	existing := &ErrorLink{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, error_id, created_at FROM error_links WHERE trace_id=? AND error_id=?`,
		traceID, errorID).
		Scan(&existing.ID, &existing.TraceID, &existing.ErrorID, &existing.CreatedAt)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO error_links(trace_id, error_id, created_at) VALUES(?,?,?)
		ON CONFLICT(trace_id, error_id) DO NOTHING`,
		traceID, errorID, now)
	if err != nil {
		return nil, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.FindOrCreateErrorLink(ctx, traceID, errorID)
	}
	id, _ := res.LastInsertId()
	return &ErrorLink{ID: id, TraceID: traceID, ErrorID: errorID, CreatedAt: now}, true, nil
}

func (s *tracesStore) ListErrorLinks(ctx context.Context, traceID int64) ([]ErrorLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, error_id, created_at FROM error_links WHERE trace_id=? ORDER BY id ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ErrorLink{}
	for rows.Next() {
		var link ErrorLink
		if err := rows.Scan(&link.ID, &link.TraceID, &link.ErrorID, &link.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

func (s *tracesStore) CountErrorLinks(ctx context.Context, traceID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_links WHERE trace_id=?`, traceID).Scan(&n)
	return n, err
}

func (s *tracesStore) HasErrorLinks(ctx context.Context, traceID int64) (bool, error) {
	n, err := s.CountErrorLinks(ctx, traceID)
	return n > 0, err
}

// DeleteTracesBefore removes traces older than cutoff, keeping error
// traces until the longer errorCutoff. Events and links go with them.
func (s *tracesStore) DeleteTracesBefore(ctx context.Context, cutoff time.Time, errorCutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	where := `started_at < ? AND status != 'error' OR started_at < ? AND status = 'error'`
	for _, stmt := range []string{
		`DELETE FROM trace_events WHERE trace_id IN (SELECT id FROM traces WHERE ` + where + `)`,
		`DELETE FROM record_links WHERE trace_id IN (SELECT id FROM traces WHERE ` + where + `)`,
		`DELETE FROM error_links WHERE trace_id IN (SELECT id FROM traces WHERE ` + where + `)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, cutoff.UTC(), errorCutoff.UTC()); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM traces WHERE `+where, cutoff.UTC(), errorCutoff.UTC())
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	deleted, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}
