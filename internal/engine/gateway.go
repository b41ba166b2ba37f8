package engine

import (
	"context"

	"github.com/roach88/stepsync/internal/progress"
)

// Gateway is the narrow contract the engine needs from a backing store.
//
// Implementations live in internal/store (SQLite), internal/remote (Redis)
// and internal/testutil (in-memory, scriptable failures). The engine treats
// every returned error as a BackingStoreError.
type Gateway interface {
	// CreateSession persists a fresh session for the key with initial as its
	// current phase and returns it.
	CreateSession(ctx context.Context, key progress.SessionKey, initial progress.Phase) (progress.Session, error)

	// FetchSession loads a session. found is false when none exists.
	FetchSession(ctx context.Context, key progress.SessionKey) (s progress.Session, found bool, err error)

	// SaveStep upserts a single step of a phase.
	SaveStep(ctx context.Context, key progress.SessionKey, phase progress.Phase, step progress.StepProgress) error

	// SavePhase records the session's current phase.
	SavePhase(ctx context.Context, key progress.SessionKey, phase progress.Phase) error

	// Subscribe registers onChange for remote changes to the session. The
	// returned function cancels the subscription and must be safe to call
	// more than once.
	Subscribe(ctx context.Context, key progress.SessionKey, onChange func(progress.Session)) (unsubscribe func(), err error)
}
