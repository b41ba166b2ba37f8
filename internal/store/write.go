package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/stepsync/internal/progress"
)

// ErrSessionNotFound is returned by writes that target a missing session.
var ErrSessionNotFound = errors.New("session not found")

// CreateSession implements engine.Gateway. Creating a session that already
// exists returns the stored one unchanged.
func (s *Store) CreateSession(ctx context.Context, key progress.SessionKey, initial progress.Phase) (progress.Session, error) {
	if err := key.Validate(); err != nil {
		return progress.Session{}, fmt.Errorf("create session: %w", err)
	}

	var (
		out         progress.Session
		fingerprint string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, _, found, err := readSession(ctx, tx, key)
		if err != nil {
			return err
		}
		if found {
			out = existing
			return nil
		}

		now := s.now()
		sess, err := progress.ApplyPhaseChange(progress.NewSession(key, now), initial, now)
		if err != nil {
			return err
		}
		fingerprint, err = progress.Fingerprint(sess)
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate session id: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions
			(id, user_id, project_id, current_phase, fingerprint, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			id.String(),
			key.UserID,
			key.ProjectID,
			string(sess.CurrentPhase),
			fingerprint,
			formatTime(sess.CreatedAt),
			formatTime(sess.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for _, p := range progress.Phases {
			pp := sess.Phases[p]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO phases (session_id, phase, completion_percentage, started_at, completed_at)
				VALUES (?, ?, ?, ?, ?)
			`, id.String(), string(p), pp.CompletionPercentage, formatTime(pp.StartedAt), formatTimePtr(pp.CompletedAt))
			if err != nil {
				return fmt.Errorf("insert phase %s: %w", p, err)
			}
		}

		out = sess
		return nil
	})
	if err != nil {
		return progress.Session{}, fmt.Errorf("create session: %w", err)
	}
	if fingerprint != "" {
		s.rememberWrite(key, fingerprint)
	}
	return out, nil
}

// SaveStep implements engine.Gateway. The step is stored as given; the
// phase percentage and completion time are recomputed in the same
// transaction.
func (s *Store) SaveStep(ctx context.Context, key progress.SessionKey, phase progress.Phase, step progress.StepProgress) error {
	var fingerprint string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, id, found, err := readSession(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}

		next, err := progress.PutStep(sess, phase, step, s.now())
		if err != nil {
			return err
		}
		pp := next.Phases[phase]
		stepID := progress.NormalizeStepID(step.StepID)
		position := -1
		for i, st := range pp.Steps {
			if st.StepID == stepID {
				position = i
				break
			}
		}
		stored := pp.Steps[position]

		data, err := marshalData(stored.Data)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps
			(session_id, phase, step_id, position, status, data, notes, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, phase, step_id) DO UPDATE SET
				status = excluded.status,
				data = excluded.data,
				notes = excluded.notes,
				completed_at = excluded.completed_at
		`,
			id,
			string(phase),
			stored.StepID,
			position,
			string(stored.Status),
			data,
			nullString(stored.Notes),
			formatTimePtr(stored.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert step: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE phases SET completion_percentage = ?, completed_at = ?
			WHERE session_id = ? AND phase = ?
		`, pp.CompletionPercentage, formatTimePtr(pp.CompletedAt), id, string(phase))
		if err != nil {
			return fmt.Errorf("update phase: %w", err)
		}

		fingerprint, err = touchSession(ctx, tx, id, next)
		return err
	})
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	s.rememberWrite(key, fingerprint)
	return nil
}

// SavePhase implements engine.Gateway.
func (s *Store) SavePhase(ctx context.Context, key progress.SessionKey, phase progress.Phase) error {
	var fingerprint string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, id, found, err := readSession(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		next, err := progress.ApplyPhaseChange(sess, phase, s.now())
		if err != nil {
			return err
		}
		fingerprint, err = touchSession(ctx, tx, id, next)
		return err
	})
	if err != nil {
		return fmt.Errorf("save phase: %w", err)
	}
	s.rememberWrite(key, fingerprint)
	return nil
}

// touchSession writes the session-level columns and returns the new
// fingerprint.
func touchSession(ctx context.Context, tx *sql.Tx, id string, sess progress.Session) (string, error) {
	fingerprint, err := progress.Fingerprint(sess)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET current_phase = ?, fingerprint = ?, updated_at = ?
		WHERE id = ?
	`, string(sess.CurrentPhase), fingerprint, formatTime(sess.UpdatedAt), id)
	if err != nil {
		return "", fmt.Errorf("update session: %w", err)
	}
	return fingerprint, nil
}

// withTx runs fn in a transaction, rolling back when it returns an error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
