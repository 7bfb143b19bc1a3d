package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/koltyakov/duckap/internal/domain"
)

// ErrAttemptNotFound is returned when finishing an attempt that was never begun.
var ErrAttemptNotFound = errors.New("update attempt not found")

// BeginAttempt records a new pending attempt and returns its id.
func (s *Store) BeginAttempt(ctx context.Context, filename string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO update_attempts(started_at, filename, outcome) VALUES(?, ?, ?)`,
		startedAt.UTC(), nullableString(filename), domain.OutcomePending)
	if err != nil {
		return 0, fmt.Errorf("insert update attempt: %w", err)
	}
	return res.LastInsertId()
}

// FinishAttempt stores the final state of attempt id.
func (s *Store) FinishAttempt(ctx context.Context, id int64, a domain.UpdateAttempt) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE update_attempts
SET finished_at = ?, bytes = ?, outcome = ?, error_kind = ?, digest = ?
WHERE id = ?`,
		nullableTime(a.FinishedAt), a.Bytes, a.Outcome, nullableString(a.ErrorKind), nullableString(a.Digest), id)
	if err != nil {
		return fmt.Errorf("update attempt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// RecentAttempts returns up to limit attempts, newest first.
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]domain.UpdateAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.recentStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]domain.UpdateAttempt, 0, limit)
	for rows.Next() {
		var (
			a                         domain.UpdateAttempt
			finished                  sql.NullTime
			filename, errKind, digest sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.StartedAt, &finished, &filename, &a.Bytes, &a.Outcome, &errKind, &digest); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		a.Filename = stringOrEmpty(filename)
		a.ErrorKind = stringOrEmpty(errKind)
		a.Digest = stringOrEmpty(digest)
		out = append(out, a)
	}
	return out, rows.Err()
}
