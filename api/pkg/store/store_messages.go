package store

import (
	"context"
	"fmt"
	"time"

	"github.com/deskhive/deskhive/api/pkg/system"
	"github.com/deskhive/deskhive/api/pkg/types"
)

func (s *SQLStore) CreateMessage(ctx context.Context, message types.Message) (*types.Message, error) {
	if message.SessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}
	if message.ID == "" {
		message.ID = system.GenerateMessageID()
	}
	if message.Created.IsZero() {
		message.Created = time.Now()
	}

	err := s.gdb.WithContext(ctx).Create(&message).Error
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// ListMessages returns the full conversation in insertion order. ULID
// message IDs are time ordered, so the ID tiebreak keeps messages
// created in the same instant stable.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := s.gdb.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *SQLStore) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.gdb.WithContext(ctx).Model(&types.Message{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
