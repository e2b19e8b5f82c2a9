package store

import (
	"context"
	"errors"
	"time"

	"github.com/deskhive/deskhive/api/pkg/types"
)

var ErrNotFound = errors.New("not found")

type ListSessionsQuery struct {
	// IncludeArchived keeps archived sessions in the result. They are
	// excluded by default because they no longer own any resources.
	IncludeArchived bool
	Limit           int
	Offset          int
}

type Store interface {
	CreateSession(ctx context.Context, session types.Session) (*types.Session, error)
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	UpdateSession(ctx context.Context, session types.Session) (*types.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error
	UpdateSessionDisplay(ctx context.Context, sessionID string, displayNum, vncPort *int) error
	UpdateLastActivity(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, query ListSessionsQuery) ([]*types.Session, error)
	ArchiveSession(ctx context.Context, sessionID string) error

	// ListSessionsInactiveSince returns non-archived sessions whose
	// last activity is strictly before cutoff. Used by the janitor.
	ListSessionsInactiveSince(ctx context.Context, cutoff time.Time) ([]*types.Session, error)

	// ListRecoverableSessions returns active sessions that had a
	// display bound when the process last stopped.
	ListRecoverableSessions(ctx context.Context) ([]*types.Session, error)

	CreateMessage(ctx context.Context, message types.Message) (*types.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int64, error)
}
