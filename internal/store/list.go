package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/stepsync/internal/progress"
)

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	Key          progress.SessionKey `json:"key"`
	CurrentPhase progress.Phase      `json:"current_phase"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ListSessions returns every stored session, ordered by user then project.
// Used by the list command to enumerate what exists in a database.
func (s *Store) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, project_id, current_phase, updated_at
		FROM sessions
		ORDER BY user_id COLLATE BINARY, project_id COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info      SessionInfo
			phase     string
			updatedAt string
		)
		if err := rows.Scan(&info.Key.UserID, &info.Key.ProjectID, &phase, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.CurrentPhase = progress.Phase(phase)
		if info.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	if out == nil {
		out = []SessionInfo{}
	}
	return out, nil
}
