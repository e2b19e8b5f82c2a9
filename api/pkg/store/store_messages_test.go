package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/deskhive/deskhive/api/pkg/types"
)

func TestMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	session, err := db.CreateSession(ctx, types.Session{Title: "chat"})
	require.NoError(t, err)

	first, err := db.CreateMessage(ctx, types.Message{
		SessionID: session.ID,
		Role:      types.RoleUser,
		Content:   datatypes.JSON(`[{"type":"text","text":"open a terminal"}]`),
	})
	require.NoError(t, err)
	require.Contains(t, first.ID, "msg_")

	_, err = db.CreateMessage(ctx, types.Message{
		SessionID: session.ID,
		Role:      types.RoleAssistant,
		Content:   datatypes.JSON(`[{"type":"text","text":"done"}]`),
	})
	require.NoError(t, err)

	messages, err := db.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, types.RoleUser, messages[0].Role)
	require.Equal(t, types.RoleAssistant, messages[1].Role)
	require.JSONEq(t, `[{"type":"text","text":"open a terminal"}]`, string(messages[0].Content))

	count, err := db.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = db.CountMessages(ctx, "ses_other")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCreateMessageRequiresSession(t *testing.T) {
	db := newTestStore(t)

	_, err := db.CreateMessage(context.Background(), types.Message{Role: types.RoleUser})
	require.Error(t, err)
}
