package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveModel appends a model artifact. Older artifacts are kept for audit.
func (s *Store) SaveModel(ctx context.Context, a ModelArtifact) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO models (name, trained_at, accuracy, samples, payload)
		VALUES (?, ?, ?, ?, ?)
	`, a.Name, formatTime(a.TrainedAt), a.Accuracy, a.Samples, a.Payload)
	if err != nil {
		return 0, fmt.Errorf("save model %s: %w", a.Name, err)
	}
	return res.LastInsertId()
}

// LatestModel returns the most recently trained artifact for name, or nil.
func (s *Store) LatestModel(ctx context.Context, name string) (*ModelArtifact, error) {
	var a ModelArtifact
	var trainedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, trained_at, accuracy, samples, payload
		FROM models
		WHERE name = ?
		ORDER BY trained_at DESC, id DESC
		LIMIT 1
	`, name).Scan(&a.ID, &a.Name, &trainedAt, &a.Accuracy, &a.Samples, &a.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.TrainedAt, err = parseTime(trainedAt); err != nil {
		return nil, fmt.Errorf("parse trained_at: %w", err)
	}
	return &a, nil
}
