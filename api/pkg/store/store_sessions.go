package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/deskhive/deskhive/api/pkg/system"
	"github.com/deskhive/deskhive/api/pkg/types"
)

func (s *SQLStore) CreateSession(ctx context.Context, session types.Session) (*types.Session, error) {
	if session.ID == "" {
		session.ID = system.GenerateSessionID()
	}
	if session.Status == "" {
		session.Status = types.SessionStatusActive
	}

	now := time.Now()
	if session.Created.IsZero() {
		session.Created = now
	}
	if session.Updated.IsZero() {
		session.Updated = now
	}
	if session.LastActivity.IsZero() {
		session.LastActivity = now
	}

	err := s.gdb.WithContext(ctx).Create(&session).Error
	if err != nil {
		return nil, err
	}

	return &session, nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}

	var session types.Session
	err := s.gdb.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &session, nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, session types.Session) (*types.Session, error) {
	if session.ID == "" {
		return nil, fmt.Errorf("id not specified")
	}

	session.Updated = time.Now()

	err := s.gdb.WithContext(ctx).Save(&session).Error
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, session.ID)
}

// UpdateSessionStatus moves a session through the lifecycle. Archived
// is terminal: updating an archived session is a no-op, so a late
// completion handler cannot resurrect a deleted session.
func (s *SQLStore) UpdateSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	result := s.gdb.WithContext(ctx).Model(&types.Session{}).
		Where("id = ? AND status != ?", sessionID, types.SessionStatusArchived).
		Updates(map[string]interface{}{
			"status":  status,
			"updated": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.gdb.WithContext(ctx).Model(&types.Session{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// UpdateSessionDisplay records or clears a session's display binding.
// Nil values clear the binding (the session lost or never had a display).
func (s *SQLStore) UpdateSessionDisplay(ctx context.Context, sessionID string, displayNum, vncPort *int) error {
	result := s.gdb.WithContext(ctx).Model(&types.Session{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"display_num": displayNum,
		"vnc_port":    vncPort,
		"updated":     time.Now(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) UpdateLastActivity(ctx context.Context, sessionID string) error {
	result := s.gdb.WithContext(ctx).Model(&types.Session{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"last_activity": time.Now(),
		"updated":       time.Now(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListSessions(ctx context.Context, query ListSessionsQuery) ([]*types.Session, error) {
	q := s.gdb.WithContext(ctx).Model(&types.Session{})

	if !query.IncludeArchived {
		q = q.Where("status != ?", types.SessionStatusArchived)
	}

	q = q.Order("created DESC")

	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}
	if query.Offset > 0 {
		q = q.Offset(query.Offset)
	}

	var sessions []*types.Session
	err := q.Find(&sessions).Error
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

// ArchiveSession is the terminal transition: the row stays for history,
// the display binding is cleared because the resources are gone.
func (s *SQLStore) ArchiveSession(ctx context.Context, sessionID string) error {
	result := s.gdb.WithContext(ctx).Model(&types.Session{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"status":      types.SessionStatusArchived,
		"display_num": nil,
		"vnc_port":    nil,
		"updated":     time.Now(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListSessionsInactiveSince(ctx context.Context, cutoff time.Time) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.gdb.WithContext(ctx).
		Where("status != ?", types.SessionStatusArchived).
		Where("last_activity < ?", cutoff).
		Order("last_activity ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SQLStore) ListRecoverableSessions(ctx context.Context) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.gdb.WithContext(ctx).
		Where("status = ?", types.SessionStatusActive).
		Where("display_num IS NOT NULL").
		Order("created ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
