package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type JourneysStore interface {
	UpsertJourney(ctx context.Context, journey *Journey) (int64, error)
	GetJourneyByKey(ctx context.Context, key string) (*Journey, error)
	ListJourneys(ctx context.Context, cursor int64, limit int) ([]Journey, error)
	DeleteJourneysBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreateCausalEdge(ctx context.Context, edge *CausalEdge) (int64, bool, error)
	ListCausalEdgesFrom(ctx context.Context, traceID int64) ([]CausalEdge, error)
	ListCausalEdgesTo(ctx context.Context, traceID int64) ([]CausalEdge, error)
	DeleteCausalEdgesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type journeysStore struct {
	db *sql.DB
}

func NewJourneysStore(db *sql.DB) JourneysStore {
	return &journeysStore{db: db}
}

// UpsertJourney inserts or refreshes the materialized row keyed by
// journey_key, so re-materializing after every trace is idempotent.
func (s *journeysStore) UpsertJourney(ctx context.Context, journey *Journey) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO journeys(journey_key, request_id, entity_type, entity_id, last_trace_id,
			trace_count, error_count, started_at, finished_at, payload, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(journey_key) DO UPDATE SET
			last_trace_id=excluded.last_trace_id, trace_count=excluded.trace_count,
			error_count=excluded.error_count, started_at=excluded.started_at,
			finished_at=excluded.finished_at, payload=excluded.payload,
			updated_at=excluded.updated_at`,
		journey.JourneyKey, nullableString(journey.RequestID), nullableString(journey.EntityType),
		nullableID(journey.EntityID), journey.LastTraceID, journey.TraceCount, journey.ErrorCount,
		journey.StartedAt.UTC(), journey.FinishedAt.UTC(), mapToJSON(journey.Payload), now, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	if id == 0 {
		existing, err := s.GetJourneyByKey(ctx, journey.JourneyKey)
		if err != nil {
			return 0, err
		}
		id = existing.ID
	}
	journey.ID = id
	return id, nil
}

const journeyColumns = `id, journey_key, request_id, entity_type, entity_id, last_trace_id,
	trace_count, error_count, started_at, finished_at, payload, created_at, updated_at`

func scanJourney(row interface{ Scan(...any) error }) (*Journey, error) {
	var j Journey
	var requestID, entityType sql.NullString
	var entityID sql.NullInt64
	var payloadJSON string
	if err := row.Scan(&j.ID, &j.JourneyKey, &requestID, &entityType, &entityID, &j.LastTraceID,
		&j.TraceCount, &j.ErrorCount, &j.StartedAt, &j.FinishedAt, &payloadJSON, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.RequestID = requestID.String
	j.EntityType = entityType.String
	j.EntityID = int64Ptr(entityID)
	j.Payload = parseJSONMap(payloadJSON)
	return &j, nil
}

func (s *journeysStore) GetJourneyByKey(ctx context.Context, key string) (*Journey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+journeyColumns+` FROM journeys WHERE journey_key=?`, key)
	journey, err := scanJourney(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return journey, err
}

func (s *journeysStore) ListJourneys(ctx context.Context, cursor int64, limit int) ([]Journey, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys WHERE 1=1`
	args := []any{}
	if cursor > 0 {
		query += ` AND id < ?`
		args = append(args, cursor)
	}
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
	out := []Journey{}
	for rows.Next() {
		journey, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *journey)
	}
	return out, rows.Err()
}

func (s *journeysStore) DeleteJourneysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM journeys WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateCausalEdge records a directed trigger link. The unique index
// on (from_event_id, to_trace_id) absorbs duplicate handoffs; the bool
// reports whether a new edge was written.
func (s *journeysStore) CreateCausalEdge(ctx context.Context, edge *CausalEdge) (int64, bool, error) {
	if edge.EdgeType == "" {
		edge.EdgeType = "caused_by"
	}
	if edge.OccurredAt.IsZero() {
		edge.OccurredAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO causal_edges(from_trace_id, from_event_id, to_trace_id, to_event_id, edge_type, occurred_at, payload)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(from_event_id, to_trace_id) DO NOTHING`,
		nullableID(edge.FromTraceID), nullableID(edge.FromEventID), edge.ToTraceID,
		nullableID(edge.ToEventID), edge.EdgeType, edge.OccurredAt.UTC(), mapToJSON(edge.Payload))
	if err != nil {
		return 0, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, false, nil
	}
	id, _ := res.LastInsertId()
	edge.ID = id
	return id, true, nil
}

func (s *journeysStore) ListCausalEdgesFrom(ctx context.Context, traceID int64) ([]CausalEdge, error) {
	return s.listCausalEdges(ctx, `from_trace_id=?`, traceID)
}

func (s *journeysStore) ListCausalEdgesTo(ctx context.Context, traceID int64) ([]CausalEdge, error) {
	return s.listCausalEdges(ctx, `to_trace_id=?`, traceID)
}

func (s *journeysStore) listCausalEdges(ctx context.Context, where string, args ...any) ([]CausalEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_trace_id, from_event_id, to_trace_id, to_event_id, edge_type, occurred_at, payload
		FROM causal_edges WHERE `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []CausalEdge{}
	for rows.Next() {
		var e CausalEdge
		var fromTrace, fromEvent, toEvent sql.NullInt64
		var payloadJSON string
		if err := rows.Scan(&e.ID, &fromTrace, &fromEvent, &e.ToTraceID, &toEvent, &e.EdgeType, &e.OccurredAt, &payloadJSON); err != nil {
			return nil, err
		}
		e.FromTraceID = int64Ptr(fromTrace)
		e.FromEventID = int64Ptr(fromEvent)
		e.ToEventID = int64Ptr(toEvent)
		e.Payload = parseJSONMap(payloadJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *journeysStore) DeleteCausalEdgesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM causal_edges WHERE occurred_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
