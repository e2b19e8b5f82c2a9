package sessions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskhive/deskhive/api/pkg/agent"
	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/store"
	"github.com/deskhive/deskhive/api/pkg/types"
)

type fakeDisplay struct {
	mu        sync.Mutex
	failing   bool
	next      int
	displays  map[string]int
	destroyed []string
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{displays: make(map[string]int)}
}

func (f *fakeDisplay) CreateDisplay(_ context.Context, sessionID string) (*types.DisplayInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("no displays left")
	}
	if num, ok := f.displays[sessionID]; ok {
		return &types.DisplayInfo{SessionID: sessionID, DisplayNum: num, VNCPort: 5900 + num}, nil
	}
	f.next++
	f.displays[sessionID] = f.next
	return &types.DisplayInfo{SessionID: sessionID, DisplayNum: f.next, VNCPort: 5900 + f.next}, nil
}

func (f *fakeDisplay) DestroyDisplay(_ context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.displays[sessionID]; !ok {
		return false, nil
	}
	delete(f.displays, sessionID)
	f.destroyed = append(f.destroyed, sessionID)
	return true, nil
}

func (f *fakeDisplay) DisplayEnv(sessionID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	num, ok := f.displays[sessionID]
	if !ok {
		return nil
	}
	return map[string]string{"DISPLAY": fmt.Sprintf(":%d", num)}
}

func (f *fakeDisplay) VNCURL(sessionID string) string {
	return "http://localhost:6080/vnc.html?path=websockify/?token=" + sessionID
}

type fakeFilesystem struct {
	mu        sync.Mutex
	failing   bool
	mounted   map[string]bool
	destroyed []string
}

func newFakeFilesystem() *fakeFilesystem {
	return &fakeFilesystem{mounted: make(map[string]bool)}
}

func (f *fakeFilesystem) CreateFilesystem(_ context.Context, sessionID string) (*types.FilesystemInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("overlay unavailable")
	}
	f.mounted[sessionID] = true
	return &types.FilesystemInfo{SessionID: sessionID, HomePath: "/sessions/active/" + sessionID + "/merged/home/user", Mounted: true}, nil
}

func (f *fakeFilesystem) DestroyFilesystem(_ context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted[sessionID] {
		return false, nil
	}
	delete(f.mounted, sessionID)
	f.destroyed = append(f.destroyed, sessionID)
	return true, nil
}

func (f *fakeFilesystem) FilesystemEnv(sessionID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted[sessionID] {
		return nil
	}
	return map[string]string{"HOME": "/sessions/active/" + sessionID + "/merged/home/user"}
}

type testEnv struct {
	manager    *Manager
	db         *store.SQLStore
	display    *fakeDisplay
	filesystem *fakeFilesystem
	executor   *agent.ScriptedExecutor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.NewSQLStore(config.Store{
		Driver:      "sqlite",
		SQLitePath:  filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)

	cfg := config.ServerConfig{}
	cfg.Agent.DefaultModel = "claude-sonnet-4-5-20250929"
	cfg.Agent.Provider = "anthropic"
	cfg.Agent.MaxTokens = 4096
	cfg.Filesystem.IsolationEnabled = true

	env := &testEnv{
		db:         db,
		display:    newFakeDisplay(),
		filesystem: newFakeFilesystem(),
		executor:   &agent.ScriptedExecutor{},
	}
	env.manager = NewManager(cfg, db, env.display, env.filesystem, env.executor)
	t.Cleanup(func() { env.manager.Shutdown(context.Background()) })
	return env
}

func (e *testEnv) waitSettled(t *testing.T, sessionID string) *types.Session {
	t.Helper()
	require.Eventually(t, func() bool {
		return !e.manager.IsProcessing(sessionID)
	}, 5*time.Second, 10*time.Millisecond)

	var session *types.Session
	require.Eventually(t, func() bool {
		var err error
		session, err = e.db.GetSession(context.Background(), sessionID)
		return err == nil && session.Status != types.SessionStatusProcessing
	}, 5*time.Second, 10*time.Millisecond)
	return session
}

func drain(events <-chan *types.Event) {
	for range events {
	}
}

func TestCreateSessionAttachesResources(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "desk"})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5-20250929", session.Model)
	assert.False(t, session.Degraded)
	require.NotNil(t, session.DisplayNum)
	assert.Equal(t, 1, *session.DisplayNum)
	require.NotNil(t, session.VNCPort)
	assert.Equal(t, 5901, *session.VNCPort)
	assert.True(t, env.filesystem.mounted[session.ID])

	stored, err := env.db.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DisplayNum)
	assert.Equal(t, 1, *stored.DisplayNum)
}

func TestCreateSessionDegradesWithoutDisplay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.display.failing = true

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "no display"})
	require.NoError(t, err)
	assert.True(t, session.Degraded)
	assert.Nil(t, session.DisplayNum)

	stored, err := env.db.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, stored.Degraded)
}

func TestSendMessageFullTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "turn"})
	require.NoError(t, err)

	messageID, events, err := env.manager.SendMessage(ctx, session.ID, "take a screenshot")
	require.NoError(t, err)
	assert.Contains(t, messageID, "msg_")
	assert.True(t, env.manager.IsProcessing(session.ID))

	drain(events)
	settled := env.waitSettled(t, session.ID)
	assert.Equal(t, types.SessionStatusActive, settled.Status)

	messages, err := env.db.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleUser, messages[0].Role)
	assert.Equal(t, types.RoleAssistant, messages[1].Role)
}

func TestSendMessageRejectsWhileProcessing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.executor.StepDelay = time.Hour

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "busy"})
	require.NoError(t, err)

	_, _, err = env.manager.SendMessage(ctx, session.ID, "first")
	require.NoError(t, err)

	_, _, err = env.manager.SendMessage(ctx, session.ID, "second")
	assert.ErrorIs(t, err, ErrSessionProcessing)

	env.manager.CancelProcessing(ctx, session.ID)
}

func TestSendMessageSingleFlightUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.executor.StepDelay = 100 * time.Millisecond

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "contended"})
	require.NoError(t, err)

	const senders = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			_, events, err := env.manager.SendMessage(ctx, session.ID, fmt.Sprintf("message %d", n))
			if err != nil {
				assert.ErrorIs(t, err, ErrSessionProcessing)
				return
			}
			accepted.Add(1)
			drain(events)
		}(i)
	}
	close(start)
	wg.Wait()

	// Exactly one send may win the in-flight slot.
	assert.EqualValues(t, 1, accepted.Load())

	settled := env.waitSettled(t, session.ID)
	assert.Equal(t, types.SessionStatusActive, settled.Status)

	// One user message and one assistant reply, nothing from the losers.
	messages, err := env.db.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestSendMessageRejectsArchived(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "gone"})
	require.NoError(t, err)
	require.NoError(t, env.manager.DeleteSession(ctx, session.ID))

	_, _, err = env.manager.SendMessage(ctx, session.ID, "hello?")
	assert.ErrorIs(t, err, ErrSessionArchived)
}

func TestIterEventsRelaysAndTerminates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "stream"})
	require.NoError(t, err)

	_, _, err = env.manager.SendMessage(ctx, session.ID, "go")
	require.NoError(t, err)

	var got []*types.Event
	for event := range env.manager.IterEvents(ctx, session.ID, time.Minute) {
		got = append(got, event)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, types.EventTypeComplete, got[len(got)-1].Type)
}

func TestIterEventsKeepalive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.executor.StepDelay = 500 * time.Millisecond

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "slow"})
	require.NoError(t, err)

	_, _, err = env.manager.SendMessage(ctx, session.ID, "go slowly")
	require.NoError(t, err)

	keepalives := 0
	for event := range env.manager.IterEvents(ctx, session.ID, 50*time.Millisecond) {
		if event.Type == types.EventTypeKeepalive {
			keepalives++
		}
	}
	assert.Positive(t, keepalives)
}

func TestIterEventsIdleSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "idle"})
	require.NoError(t, err)

	events := env.manager.IterEvents(ctx, session.ID, time.Second)
	_, open := <-events
	assert.False(t, open)
}

func TestCancelProcessing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.executor.StepDelay = time.Hour

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "cancel me"})
	require.NoError(t, err)

	_, _, err = env.manager.SendMessage(ctx, session.ID, "never finishes")
	require.NoError(t, err)
	require.True(t, env.manager.IsProcessing(session.ID))

	assert.True(t, env.manager.CancelProcessing(ctx, session.ID))

	settled := env.waitSettled(t, session.ID)
	assert.Equal(t, types.SessionStatusError, settled.Status)
	assert.False(t, env.manager.IsProcessing(session.ID))

	// Nothing left to cancel.
	assert.False(t, env.manager.CancelProcessing(ctx, session.ID))
}

func TestCancelProcessingWaitsForUnwind(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.executor.StepDelay = time.Hour

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "cancel sync"})
	require.NoError(t, err)

	_, _, err = env.manager.SendMessage(ctx, session.ID, "never finishes")
	require.NoError(t, err)

	require.True(t, env.manager.CancelProcessing(ctx, session.ID))

	// No settling window: the moment cancel returns, the guard is
	// down and the status is final, so a follow-up send is accepted.
	assert.False(t, env.manager.IsProcessing(session.ID))

	stored, err := env.db.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusError, stored.Status)

	_, events, err := env.manager.SendMessage(ctx, session.ID, "try again")
	require.NoError(t, err)
	env.manager.CancelProcessing(ctx, session.ID)
	drain(events)
}

func TestDeleteSessionTearsEverythingDown(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "doomed"})
	require.NoError(t, err)

	require.NoError(t, env.manager.DeleteSession(ctx, session.ID))

	assert.Contains(t, env.display.destroyed, session.ID)
	assert.Contains(t, env.filesystem.destroyed, session.ID)

	stored, err := env.db.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusArchived, stored.Status)
	assert.Nil(t, stored.DisplayNum)
}

func TestDeleteSessionCancelsInFlightTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.executor.StepDelay = time.Hour

	session, err := env.manager.CreateSession(ctx, CreateSessionRequest{Title: "busy doomed"})
	require.NoError(t, err)

	_, _, err = env.manager.SendMessage(ctx, session.ID, "long task")
	require.NoError(t, err)

	require.NoError(t, env.manager.DeleteSession(ctx, session.ID))
	assert.False(t, env.manager.IsProcessing(session.ID))
}
