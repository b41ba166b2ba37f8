package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/stepsync/internal/progress"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so reads can run
// inside a write transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FetchSession implements engine.Gateway. found is false when no session
// exists for key.
func (s *Store) FetchSession(ctx context.Context, key progress.SessionKey) (progress.Session, bool, error) {
	sess, _, found, err := readSession(ctx, s.db, key)
	if err != nil {
		return progress.Session{}, false, fmt.Errorf("fetch session: %w", err)
	}
	return sess, found, nil
}

// readSession loads a session with its phases and steps. Steps come back in
// their stored position order.
func readSession(ctx context.Context, q querier, key progress.SessionKey) (progress.Session, string, bool, error) {
	var id, currentPhase, createdAt, updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT id, current_phase, created_at, updated_at
		FROM sessions
		WHERE user_id = ? AND project_id = ?
	`, key.UserID, key.ProjectID).Scan(&id, &currentPhase, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.Session{}, "", false, nil
	}
	if err != nil {
		return progress.Session{}, "", false, fmt.Errorf("query session: %w", err)
	}

	sess := progress.Session{
		Key:          key,
		CurrentPhase: progress.Phase(currentPhase),
		Phases:       make(map[progress.Phase]progress.PhaseProgress, len(progress.Phases)),
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return progress.Session{}, "", false, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return progress.Session{}, "", false, err
	}

	if err := readPhases(ctx, q, id, &sess); err != nil {
		return progress.Session{}, "", false, err
	}
	if err := readSteps(ctx, q, id, &sess); err != nil {
		return progress.Session{}, "", false, err
	}

	return progress.Normalize(sess), id, true, nil
}

func readPhases(ctx context.Context, q querier, sessionID string, sess *progress.Session) error {
	rows, err := q.QueryContext(ctx, `
		SELECT phase, completion_percentage, started_at, completed_at
		FROM phases
		WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return fmt.Errorf("query phases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			phase       string
			pct         int
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&phase, &pct, &startedAt, &completedAt); err != nil {
			return fmt.Errorf("scan phase: %w", err)
		}
		pp := progress.PhaseProgress{
			Phase:                progress.Phase(phase),
			Steps:                []progress.StepProgress{},
			CompletionPercentage: pct,
		}
		if pp.StartedAt, err = parseTime(startedAt); err != nil {
			return err
		}
		if pp.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return err
		}
		sess.Phases[pp.Phase] = pp
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate phases: %w", err)
	}
	return nil
}

func readSteps(ctx context.Context, q querier, sessionID string, sess *progress.Session) error {
	rows, err := q.QueryContext(ctx, `
		SELECT phase, step_id, status, data, notes, completed_at
		FROM steps
		WHERE session_id = ?
		ORDER BY phase ASC, position ASC, step_id COLLATE BINARY ASC
	`, sessionID)
	if err != nil {
		return fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			phase, stepID, status, data string
			notes, completedAt          sql.NullString
		)
		if err := rows.Scan(&phase, &stepID, &status, &data, &notes, &completedAt); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		step := progress.StepProgress{
			StepID: stepID,
			Status: progress.StepStatus(status),
			Notes:  stringPtr(notes),
		}
		if step.Data, err = unmarshalData(data); err != nil {
			return err
		}
		if step.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return err
		}
		pp := sess.Phases[progress.Phase(phase)]
		pp.Steps = append(pp.Steps, step)
		sess.Phases[progress.Phase(phase)] = pp
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate steps: %w", err)
	}
	return nil
}

// readFingerprint returns the stored fingerprint of a session.
func (s *Store) readFingerprint(ctx context.Context, key progress.SessionKey) (string, bool, error) {
	var fp string
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint FROM sessions WHERE user_id = ? AND project_id = ?
	`, key.UserID, key.ProjectID).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query fingerprint: %w", err)
	}
	return fp, true, nil
}
