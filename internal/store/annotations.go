package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sqlguard/sqlguard/internal/types"
)

const annotationColumns = `id, row_uuid, entity_type, entity_key, notes, purpose,
	justification, review_status, last_reviewed, created_at, modified_at, modified_by`

func scanAnnotation(row interface{ Scan(...any) error }) (*types.Annotation, error) {
	var a types.Annotation
	err := row.Scan(&a.ID, &a.RowUUID, &a.EntityType, &a.EntityKey, &a.Notes, &a.Purpose,
		&a.Justification, &a.ReviewStatus, &a.LastReviewed, &a.CreatedAt, &a.ModifiedAt, &a.ModifiedBy)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertAnnotation writes operator input for one row. Matching is by
// row_uuid first, then by (entity_type, entity_key); an update preserves
// created_at and bumps modified_at. Returns the stored annotation.
func (s *Store) UpsertAnnotation(ctx context.Context, a *types.Annotation) (*types.Annotation, error) {
	return upsertAnnotation(ctx, s.db, a)
}

func (tx *Tx) UpsertAnnotation(ctx context.Context, a *types.Annotation) (*types.Annotation, error) {
	return upsertAnnotation(ctx, tx.q, a)
}

func upsertAnnotation(ctx context.Context, q querier, a *types.Annotation) (*types.Annotation, error) {
	existing, err := findAnnotation(ctx, q, a.RowUUID, a.EntityType, a.EntityKey)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	if existing == nil {
		res, err := q.ExecContext(ctx, `
			INSERT INTO annotations (row_uuid, entity_type, entity_key, notes, purpose,
				justification, review_status, last_reviewed, created_at, modified_at, modified_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.RowUUID, string(a.EntityType), a.EntityKey, a.Notes, a.Purpose,
			a.Justification, string(a.ReviewStatus), a.LastReviewed, now, now, a.ModifiedBy)
		if err != nil {
			return nil, fmt.Errorf("inserting annotation %q: %w", a.EntityKey, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("reading annotation id: %w", err)
		}
		stored := *a
		stored.ID = id
		stored.CreatedAt = now
		stored.ModifiedAt = now
		return &stored, nil
	}

	// Adopt a UUID the existing row lacks, but never overwrite one.
	rowUUID := existing.RowUUID
	if rowUUID == "" {
		rowUUID = a.RowUUID
	}
	_, err = q.ExecContext(ctx, `
		UPDATE annotations SET row_uuid = ?, entity_key = ?, notes = ?, purpose = ?,
			justification = ?, review_status = ?, last_reviewed = ?, modified_at = ?, modified_by = ?
		WHERE id = ?
	`, rowUUID, a.EntityKey, a.Notes, a.Purpose,
		a.Justification, string(a.ReviewStatus), a.LastReviewed, now, a.ModifiedBy, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("updating annotation %d: %w", existing.ID, err)
	}
	stored := *a
	stored.ID = existing.ID
	stored.RowUUID = rowUUID
	stored.CreatedAt = existing.CreatedAt
	stored.ModifiedAt = now
	return &stored, nil
}

// findAnnotation resolves a row by uuid first, then by key.
func findAnnotation(ctx context.Context, q querier, rowUUID string, et types.FindingType, entityKey string) (*types.Annotation, error) {
	if rowUUID != "" {
		a, err := scanAnnotation(q.QueryRowContext(ctx,
			`SELECT `+annotationColumns+` FROM annotations WHERE row_uuid = ?`, rowUUID))
		if err == nil {
			return a, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("fetching annotation by uuid: %w", err)
		}
	}
	a, err := scanAnnotation(q.QueryRowContext(ctx, `
		SELECT `+annotationColumns+` FROM annotations
		WHERE entity_type = ? AND entity_key = ? COLLATE NOCASE
	`, string(et), entityKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching annotation by key: %w", err)
	}
	return a, nil
}

// GetAnnotation returns the annotation for a row, or nil when none exists.
func (s *Store) GetAnnotation(ctx context.Context, rowUUID string, et types.FindingType, entityKey string) (*types.Annotation, error) {
	return findAnnotation(ctx, s.db, rowUUID, et, entityKey)
}

func (tx *Tx) GetAnnotation(ctx context.Context, rowUUID string, et types.FindingType, entityKey string) (*types.Annotation, error) {
	return findAnnotation(ctx, tx.q, rowUUID, et, entityKey)
}

// GetAnnotations returns every annotation, keyed for the identity index.
func (s *Store) GetAnnotations(ctx context.Context) ([]*types.Annotation, error) {
	return getAnnotations(ctx, s.db)
}

func (tx *Tx) GetAnnotations(ctx context.Context) ([]*types.Annotation, error) {
	return getAnnotations(ctx, tx.q)
}

func getAnnotations(ctx context.Context, q querier) ([]*types.Annotation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations ORDER BY entity_type, entity_key`)
	if err != nil {
		return nil, fmt.Errorf("listing annotations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning annotation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAnnotationUUID stamps a row uuid onto an annotation that matched by key.
func (tx *Tx) SetAnnotationUUID(ctx context.Context, id int64, rowUUID string) error {
	_, err := tx.q.ExecContext(ctx,
		`UPDATE annotations SET row_uuid = ? WHERE id = ? AND row_uuid = ''`, rowUUID, id)
	if err != nil {
		return fmt.Errorf("stamping annotation %d uuid: %w", id, err)
	}
	return nil
}
