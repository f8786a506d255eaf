package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type IncidentsStore interface {
	CreateIncident(ctx context.Context, incident *Incident) (int64, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)

	// FindRecentIncident looks up the newest incident matching the
	// dedupe identity regardless of status.
	FindRecentIncident(ctx context.Context, kind, source, name, fingerprint string, since time.Time) (*Incident, error)
	TouchIncident(ctx context.Context, id int64, lastSeenAt time.Time, severity string, payload map[string]any) error
	ReopenIncident(ctx context.Context, id int64, lastSeenAt time.Time, severity string, payload map[string]any) error

	AcknowledgeIncident(ctx context.Context, id int64, actor string) (*Incident, error)
	ResolveIncident(ctx context.Context, id int64, actor, note string) (*Incident, error)
	ReopenIncidentManually(ctx context.Context, id int64, actor string) (*Incident, error)
	MuteIncident(ctx context.Context, id int64, until time.Time, actor string) (*Incident, error)
	AssignIncident(ctx context.Context, id int64, owner, team, assignedBy, note string) (*Incident, error)

	AppendIncidentEvent(ctx context.Context, ev *IncidentEvent) (int64, error)
	ListIncidentEvents(ctx context.Context, incidentID int64) ([]IncidentEvent, error)

	// ListIdleActiveIncidents returns open incidents last seen before
	// the given cutoff, candidates for auto-resolution.
	ListIdleActiveIncidents(ctx context.Context, lastSeenBefore time.Time) ([]Incident, error)
	DeleteIncidentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type incidentsStore struct {
	db *sql.DB
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{db: db}
}

func (s *incidentsStore) CreateIncident(ctx context.Context, incident *Incident) (int64, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(incident.Status) == "" {
		incident.Status = IncidentStatusActive
	}
	if strings.TrimSpace(incident.Severity) == "" {
		incident.Severity = "warning"
	}
	if incident.DetectedAt.IsZero() {
		incident.DetectedAt = now
	}
	if incident.LastSeenAt.IsZero() {
		incident.LastSeenAt = incident.DetectedAt
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO incidents(kind, severity, status, source, name, fingerprint, payload,
			detected_at, last_seen_at, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		incident.Kind, incident.Severity, incident.Status,
		nullableString(incident.Source), nullableString(incident.Name), nullableString(incident.Fingerprint),
		mapToJSON(incident.Payload), incident.DetectedAt.UTC(), incident.LastSeenAt.UTC(), now, now)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	id, _ := res.LastInsertId()
	incident.ID = id
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incident_events(incident_id, action, actor, payload, occurred_at)
		VALUES(?,?,?,?,?)`,
		id, "created", nil, mapToJSON(incident.Payload), now); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

const incidentColumns = `id, kind, severity, status, source, name, fingerprint, payload,
	detected_at, last_seen_at, acknowledged_at, resolved_at, resolved_by, resolution_note,
	muted_until, owner, team, assigned_by, assignment_note, assigned_at, created_at, updated_at`

func scanIncident(row interface{ Scan(...any) error }) (*Incident, error) {
	var in Incident
	var source, name, fingerprint, resolvedBy, resolutionNote sql.NullString
	var owner, team, assignedBy, assignmentNote sql.NullString
	var acknowledgedAt, resolvedAt, mutedUntil, assignedAt sql.NullTime
	var payloadJSON string
	if err := row.Scan(&in.ID, &in.Kind, &in.Severity, &in.Status, &source, &name, &fingerprint, &payloadJSON,
		&in.DetectedAt, &in.LastSeenAt, &acknowledgedAt, &resolvedAt, &resolvedBy, &resolutionNote,
		&mutedUntil, &owner, &team, &assignedBy, &assignmentNote, &assignedAt, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.Source = source.String
	in.Name = name.String
	in.Fingerprint = fingerprint.String
	in.Payload = parseJSONMap(payloadJSON)
	in.AcknowledgedAt = timePtr(acknowledgedAt)
	in.ResolvedAt = timePtr(resolvedAt)
	in.ResolvedBy = resolvedBy.String
	in.ResolutionNote = resolutionNote.String
	in.MutedUntil = timePtr(mutedUntil)
	in.Owner = owner.String
	in.Team = team.String
	in.AssignedBy = assignedBy.String
	in.AssignmentNote = assignmentNote.String
	in.AssignedAt = timePtr(assignedAt)
	return &in, nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	incident, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return incident, err
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, filter.Status)
	}
	if len(filter.StatusIn) > 0 {
		placeholders := strings.Repeat("?,", len(filter.StatusIn))
		query += ` AND status IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, st := range filter.StatusIn {
			args = append(args, st)
		}
	}
	if filter.Kind != "" {
		query += ` AND kind=?`
		args = append(args, filter.Kind)
	}
	if filter.Severity != "" {
		query += ` AND severity=?`
		args = append(args, filter.Severity)
	}
	if filter.Unmuted {
		query += ` AND (muted_until IS NULL OR muted_until < ?)`
		args = append(args, time.Now().UTC())
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
	out := []Incident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *incident)
	}
	return out, rows.Err()
}

func (s *incidentsStore) FindRecentIncident(ctx context.Context, kind, source, name, fingerprint string, since time.Time) (*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE kind=? AND detected_at >= ?`
	args := []any{kind, since.UTC()}
	for _, match := range []struct {
		column string
		value  string
	}{{"source", source}, {"name", name}, {"fingerprint", fingerprint}} {
		if match.value == "" {
			query += ` AND (` + match.column + ` IS NULL OR ` + match.column + `='')`
		} else {
			query += ` AND ` + match.column + `=?`
			args = append(args, match.value)
		}
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	incident, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return incident, err
}

// TouchIncident refreshes detected_at along with last_seen_at so a
// condition outliving the dedupe window keeps matching
// FindRecentIncident instead of spawning a duplicate.
func (s *incidentsStore) TouchIncident(ctx context.Context, id int64, lastSeenAt time.Time, severity string, payload map[string]any) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET detected_at=?, last_seen_at=?, severity=?, payload=?, updated_at=? WHERE id=?`,
		lastSeenAt.UTC(), lastSeenAt.UTC(), severity, mapToJSON(payload), now, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReopenIncident clears resolution state after detection matched a
// resolved incident inside the dedupe window.
func (s *incidentsStore) ReopenIncident(ctx context.Context, id int64, lastSeenAt time.Time, severity string, payload map[string]any) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents SET status=?, resolved_at=NULL, resolved_by=NULL, resolution_note=NULL,
			last_seen_at=?, severity=?, payload=?, updated_at=?
		WHERE id=? AND status=?`,
		IncidentStatusActive, lastSeenAt.UTC(), severity, mapToJSON(payload), now, id, IncidentStatusResolved)
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incident_events(incident_id, action, actor, payload, occurred_at)
		VALUES(?,?,?,?,?)`, id, "reopened", nil, mapToJSON(payload), now); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *incidentsStore) AcknowledgeIncident(ctx context.Context, id int64, actor string) (*Incident, error) {
	now := time.Now().UTC()
	return s.transition(ctx, id, "acknowledged", actor, map[string]any{}, `
		UPDATE incidents SET status=?, acknowledged_at=?, updated_at=?
		WHERE id=? AND status IN (?,?)`,
		IncidentStatusAcknowledged, now, now, id, IncidentStatusActive, IncidentStatusAcknowledged)
}

func (s *incidentsStore) ResolveIncident(ctx context.Context, id int64, actor, note string) (*Incident, error) {
	now := time.Now().UTC()
	payload := map[string]any{}
	if note != "" {
		payload["note"] = note
	}
	return s.transition(ctx, id, "resolved", actor, payload, `
		UPDATE incidents SET status=?, resolved_at=?, resolved_by=?, resolution_note=?, updated_at=?
		WHERE id=? AND status IN (?,?)`,
		IncidentStatusResolved, now, nullableString(actor), nullableString(note), now,
		id, IncidentStatusActive, IncidentStatusAcknowledged)
}

func (s *incidentsStore) ReopenIncidentManually(ctx context.Context, id int64, actor string) (*Incident, error) {
	now := time.Now().UTC()
	return s.transition(ctx, id, "reopened", actor, map[string]any{}, `
		UPDATE incidents SET status=?, resolved_at=NULL, resolved_by=NULL, resolution_note=NULL,
			last_seen_at=?, updated_at=?
		WHERE id=? AND status=?`,
		IncidentStatusActive, now, now, id, IncidentStatusResolved)
}

func (s *incidentsStore) MuteIncident(ctx context.Context, id int64, until time.Time, actor string) (*Incident, error) {
	now := time.Now().UTC()
	return s.transition(ctx, id, "muted", actor, map[string]any{"muted_until": until.UTC().Format(time.RFC3339)}, `
		UPDATE incidents SET muted_until=?, updated_at=?
		WHERE id=? AND status!=?`,
		until.UTC(), now, id, IncidentStatusResolved)
}

func (s *incidentsStore) AssignIncident(ctx context.Context, id int64, owner, team, assignedBy, note string) (*Incident, error) {
	now := time.Now().UTC()
	payload := map[string]any{"owner": owner}
	if team != "" {
		payload["team"] = team
	}
	return s.transition(ctx, id, "assigned", assignedBy, payload, `
		UPDATE incidents SET owner=?, team=?, assigned_by=?, assignment_note=?, assigned_at=?, updated_at=?
		WHERE id=?`,
		nullableString(owner), nullableString(team), nullableString(assignedBy), nullableString(note), now, now, id)
}

// transition runs one lifecycle UPDATE and appends the matching audit
// event inside the same transaction. Zero rows affected means the
// incident was not in a state the transition allows.
func (s *incidentsStore) transition(ctx context.Context, id int64, action, actor string, payload map[string]any, query string, args ...any) (*Incident, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return nil, ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incident_events(incident_id, action, actor, payload, occurred_at)
		VALUES(?,?,?,?,?)`,
		id, action, nullableString(actor), mapToJSON(payload), time.Now().UTC()); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, id)
}

func (s *incidentsStore) AppendIncidentEvent(ctx context.Context, ev *IncidentEvent) (int64, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_events(incident_id, action, actor, payload, occurred_at)
		VALUES(?,?,?,?,?)`,
		ev.IncidentID, ev.Action, nullableString(ev.Actor), mapToJSON(ev.Payload), ev.OccurredAt.UTC())
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	ev.ID = id
	return id, nil
}

func (s *incidentsStore) ListIncidentEvents(ctx context.Context, incidentID int64) ([]IncidentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, action, actor, payload, occurred_at
		FROM incident_events WHERE incident_id=? ORDER BY occurred_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []IncidentEvent{}
	for rows.Next() {
		var ev IncidentEvent
		var actor sql.NullString
		var payloadJSON string
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Action, &actor, &payloadJSON, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Actor = actor.String
		ev.Payload = parseJSONMap(payloadJSON)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *incidentsStore) ListIdleActiveIncidents(ctx context.Context, lastSeenBefore time.Time) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE status IN (?,?) AND last_seen_at < ?
		ORDER BY id ASC`,
		IncidentStatusActive, IncidentStatusAcknowledged, lastSeenBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Incident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *incident)
	}
	return out, rows.Err()
}

func (s *incidentsStore) DeleteIncidentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM incident_events WHERE incident_id IN
			(SELECT id FROM incidents WHERE status=? AND resolved_at IS NOT NULL AND resolved_at < ?)`,
		IncidentStatusResolved, cutoff.UTC()); err != nil {
		tx.Rollback()
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM incidents WHERE status=? AND resolved_at IS NOT NULL AND resolved_at < ?`,
		IncidentStatusResolved, cutoff.UTC())
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
