package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type SavedViewsStore interface {
	CreateSavedView(ctx context.Context, view *SavedView) (int64, error)
	UpdateSavedView(ctx context.Context, view *SavedView) error
	GetSavedView(ctx context.Context, id int64) (*SavedView, error)
	ListSavedViews(ctx context.Context) ([]SavedView, error)
	DeleteSavedView(ctx context.Context, id int64) error
}

type savedViewsStore struct {
	db *sql.DB
}

func NewSavedViewsStore(db *sql.DB) SavedViewsStore {
	return &savedViewsStore{db: db}
}

func (s *savedViewsStore) CreateSavedView(ctx context.Context, view *SavedView) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saved_views(name, filters, created_by, created_at, updated_at)
		VALUES(?,?,?,?,?)`,
		view.Name, mapToJSON(view.Filters), nullableString(view.CreatedBy), now, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	view.ID = id
	view.CreatedAt = now
	view.UpdatedAt = now
	return id, nil
}

func (s *savedViewsStore) UpdateSavedView(ctx context.Context, view *SavedView) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE saved_views SET name=?, filters=?, updated_at=? WHERE id=?`,
		view.Name, mapToJSON(view.Filters), now, view.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *savedViewsStore) GetSavedView(ctx context.Context, id int64) (*SavedView, error) {
	var view SavedView
	var createdBy sql.NullString
	var filtersJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, filters, created_by, created_at, updated_at FROM saved_views WHERE id=?`, id).
		Scan(&view.ID, &view.Name, &filtersJSON, &createdBy, &view.CreatedAt, &view.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	view.Filters = parseJSONMap(filtersJSON)
	view.CreatedBy = createdBy.String
	return &view, nil
}

func (s *savedViewsStore) ListSavedViews(ctx context.Context) ([]SavedView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, filters, created_by, created_at, updated_at FROM saved_views ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []SavedView{}
	for rows.Next() {
		var view SavedView
		var createdBy sql.NullString
		var filtersJSON string
		if err := rows.Scan(&view.ID, &view.Name, &filtersJSON, &createdBy, &view.CreatedAt, &view.UpdatedAt); err != nil {
			return nil, err
		}
		view.Filters = parseJSONMap(filtersJSON)
		view.CreatedBy = createdBy.String
		out = append(out, view)
	}
	return out, rows.Err()
}

func (s *savedViewsStore) DeleteSavedView(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saved_views WHERE id=?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}
