package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deskhive/deskhive/api/pkg/agent"
	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/store"
	"github.com/deskhive/deskhive/api/pkg/types"
)

var (
	// ErrSessionProcessing rejects a message while a turn is in
	// flight. One turn at a time per session.
	ErrSessionProcessing = errors.New("session is already processing a message")
	// ErrSessionArchived rejects operations on destroyed sessions.
	ErrSessionArchived = errors.New("session is archived")
)

// DisplayManager is the slice of the display subsystem the session
// core drives.
type DisplayManager interface {
	CreateDisplay(ctx context.Context, sessionID string) (*types.DisplayInfo, error)
	DestroyDisplay(ctx context.Context, sessionID string) (bool, error)
	DisplayEnv(sessionID string) map[string]string
	VNCURL(sessionID string) string
}

// FilesystemManager is the slice of the filesystem subsystem the
// session core drives.
type FilesystemManager interface {
	CreateFilesystem(ctx context.Context, sessionID string) (*types.FilesystemInfo, error)
	DestroyFilesystem(ctx context.Context, sessionID string) (bool, error)
	FilesystemEnv(sessionID string) map[string]string
}

// activeSession is the in-memory execution state of one session. The
// processing flag is the arbiter for the one-turn-at-a-time rule: it is
// claimed under the manager lock before anything is persisted, so the
// persisted PROCESSING status always follows it. settled is closed once
// the completion handler has cleared the in-flight state.
type activeSession struct {
	sessionID  string
	runner     *agent.Runner
	events     <-chan *types.Event
	processing bool
	settled    chan struct{}
}

// Manager owns the session lifecycle: creation with display and
// filesystem attachment, the single-flight message state machine, and
// teardown of everything a session holds.
type Manager struct {
	cfg        config.ServerConfig
	store      store.Store
	display    DisplayManager
	filesystem FilesystemManager
	executor   agent.Executor

	mu     sync.Mutex
	active map[string]*activeSession
}

func NewManager(
	cfg config.ServerConfig,
	store store.Store,
	display DisplayManager,
	filesystem FilesystemManager,
	executor agent.Executor,
) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		display:    display,
		filesystem: filesystem,
		executor:   executor,
		active:     make(map[string]*activeSession),
	}
}

type CreateSessionRequest struct {
	Title              string
	Model              string
	Provider           string
	SystemPromptSuffix string
}

// CreateSession persists a session and attaches its display and
// filesystem. Resource attachment is best effort: a host that cannot
// allocate a display still gets a working, explicitly degraded session.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*types.Session, error) {
	if req.Model == "" {
		req.Model = m.cfg.Agent.DefaultModel
	}
	if req.Provider == "" {
		req.Provider = m.cfg.Agent.Provider
	}

	session, err := m.store.CreateSession(ctx, types.Session{
		Title:              req.Title,
		Model:              req.Model,
		Provider:           req.Provider,
		SystemPromptSuffix: req.SystemPromptSuffix,
		Status:             types.SessionStatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	degraded := false

	info, err := m.display.CreateDisplay(ctx, session.ID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("display allocation failed, session will run degraded")
		degraded = true
	} else {
		if err := m.store.UpdateSessionDisplay(ctx, session.ID, &info.DisplayNum, &info.VNCPort); err != nil {
			return nil, fmt.Errorf("failed to persist display binding: %w", err)
		}
		session.DisplayNum = &info.DisplayNum
		session.VNCPort = &info.VNCPort
	}

	if m.cfg.Filesystem.IsolationEnabled {
		if _, err := m.filesystem.CreateFilesystem(ctx, session.ID); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("filesystem isolation failed, session will run degraded")
			degraded = true
		}
	}

	if degraded {
		session.Degraded = true
		if session, err = m.store.UpdateSession(ctx, *session); err != nil {
			return nil, fmt.Errorf("failed to persist degraded state: %w", err)
		}
	}

	m.mu.Lock()
	m.active[session.ID] = &activeSession{sessionID: session.ID}
	m.mu.Unlock()

	log.Info().
		Str("session_id", session.ID).
		Str("model", session.Model).
		Bool("degraded", session.Degraded).
		Msg("session created")

	return session, nil
}

// SendMessage accepts a user message and starts a turn. It returns the
// persisted message ID and the live event channel; the execution runs
// on in the background and survives the caller disconnecting.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (string, <-chan *types.Event, error) {
	// Claim the in-flight slot before touching the store. Concurrent
	// sends racing on the persisted status would otherwise both read a
	// stale ACTIVE and both start a turn.
	m.mu.Lock()
	active, ok := m.active[sessionID]
	if !ok {
		active = &activeSession{sessionID: sessionID}
		m.active[sessionID] = active
	}
	if active.processing {
		m.mu.Unlock()
		return "", nil, ErrSessionProcessing
	}
	active.processing = true
	m.mu.Unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.releaseProcessing(sessionID)
		return "", nil, err
	}

	switch session.Status {
	case types.SessionStatusProcessing:
		m.releaseProcessing(sessionID)
		return "", nil, ErrSessionProcessing
	case types.SessionStatusArchived:
		m.releaseProcessing(sessionID)
		return "", nil, ErrSessionArchived
	}

	encoded, err := json.Marshal([]map[string]any{
		{"type": "text", "text": content},
	})
	if err != nil {
		m.releaseProcessing(sessionID)
		return "", nil, fmt.Errorf("failed to encode message: %w", err)
	}

	userMessage, err := m.store.CreateMessage(ctx, types.Message{
		SessionID: sessionID,
		Role:      types.RoleUser,
		Content:   encoded,
	})
	if err != nil {
		m.releaseProcessing(sessionID)
		return "", nil, fmt.Errorf("failed to persist message: %w", err)
	}

	if err := m.store.UpdateLastActivity(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to touch last activity")
	}

	if err := m.store.UpdateSessionStatus(ctx, sessionID, types.SessionStatusProcessing); err != nil {
		m.releaseProcessing(sessionID)
		return "", nil, fmt.Errorf("failed to mark session processing: %w", err)
	}

	history, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		// The row was already marked PROCESSING; put it back so the
		// session is not stuck busy with no turn running.
		if rbErr := m.store.UpdateSessionStatus(ctx, sessionID, types.SessionStatusActive); rbErr != nil {
			log.Warn().Err(rbErr).Str("session_id", sessionID).Msg("failed to roll back processing status")
		}
		m.releaseProcessing(sessionID)
		return "", nil, fmt.Errorf("failed to load history: %w", err)
	}

	env := map[string]string{}
	for k, v := range m.display.DisplayEnv(sessionID) {
		env[k] = v
	}
	for k, v := range m.filesystem.FilesystemEnv(sessionID) {
		env[k] = v
	}

	runner := agent.NewRunner(m.executor)

	// The turn runs on its own context: client disconnects must not
	// cancel it, only CancelProcessing and DeleteSession do.
	events := runner.Start(context.Background(), &agent.Request{
		SessionID:          sessionID,
		MessageID:          userMessage.ID,
		Model:              session.Model,
		Provider:           session.Provider,
		SystemPromptSuffix: session.SystemPromptSuffix,
		MaxTokens:          m.cfg.Agent.MaxTokens,
		ToolVersion:        agent.ResolveToolVersion(session.Model),
		UserMessage:        content,
		History:            history,
		Env:                env,
	})

	settled := make(chan struct{})

	m.mu.Lock()
	active, ok = m.active[sessionID]
	if !ok {
		// The session was deleted while the turn was being set up.
		m.mu.Unlock()
		runner.Cancel()
		return "", nil, ErrSessionArchived
	}
	active.runner = runner
	active.events = events
	active.settled = settled
	m.mu.Unlock()

	go m.handleCompletion(sessionID, runner, len(history), settled)

	return userMessage.ID, events, nil
}

// releaseProcessing gives the in-flight slot back without running the
// completion handler, used when a claimed send fails before the runner
// starts.
func (m *Manager) releaseProcessing(sessionID string) {
	m.mu.Lock()
	if active, ok := m.active[sessionID]; ok {
		active.processing = false
		active.runner = nil
		active.settled = nil
	}
	m.mu.Unlock()
}

// handleCompletion waits for the turn to finish, persists the new
// messages and settles the status. The in-memory processing flag is
// cleared no matter what happened, and settled is closed last so
// waiters observe the cleared state.
func (m *Manager) handleCompletion(sessionID string, runner *agent.Runner, priorCount int, settled chan struct{}) {
	defer func() {
		m.releaseProcessing(sessionID)
		close(settled)
	}()

	<-runner.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status := types.SessionStatusActive
	if runner.Err() != nil {
		status = types.SessionStatusError
	}

	messages := runner.Messages()
	if len(messages) > priorCount {
		for _, message := range messages[priorCount:] {
			message.SessionID = sessionID
			if _, err := m.store.CreateMessage(ctx, *message); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist agent message")
				status = types.SessionStatusError
			}
		}
	}

	if err := m.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to settle session status")
	}
}

// IterEvents relays the in-flight turn's events. A keepalive is
// injected whenever timeout passes without a real event; the relay
// ends after message_complete, when the stream closes, or when ctx is
// cancelled. The timeout never cancels the execution itself. An idle
// session yields an immediately-closed channel.
func (m *Manager) IterEvents(ctx context.Context, sessionID string, timeout time.Duration) <-chan *types.Event {
	m.mu.Lock()
	active, ok := m.active[sessionID]
	var source <-chan *types.Event
	if ok && active.processing {
		source = active.events
	}
	m.mu.Unlock()

	out := make(chan *types.Event)
	if source == nil {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-source:
				if !ok {
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Type == types.EventTypeComplete {
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)
			case <-timer.C:
				select {
				case out <- types.NewKeepaliveEvent():
				case <-ctx.Done():
					return
				}
				timer.Reset(timeout)
			}
		}
	}()

	return out
}

// CancelProcessing aborts the in-flight turn, if any, and waits for the
// completion handler to settle the status and clear the guard: after it
// returns true, IsProcessing is false.
func (m *Manager) CancelProcessing(_ context.Context, sessionID string) bool {
	m.mu.Lock()
	active, ok := m.active[sessionID]
	var runner *agent.Runner
	var settled chan struct{}
	if ok && active.processing {
		runner = active.runner
		settled = active.settled
	}
	m.mu.Unlock()

	if runner == nil {
		return false
	}

	runner.Cancel()
	if settled != nil {
		<-settled
	}
	log.Info().Str("session_id", sessionID).Msg("processing cancelled")
	return true
}

// DeleteSession tears down everything a session holds: the in-flight
// turn, the display stack, the filesystem, and finally archives the
// record. This is the single destruction path; the janitor goes
// through here too.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	active, ok := m.active[sessionID]
	var runner *agent.Runner
	if ok {
		runner = active.runner
		delete(m.active, sessionID)
	}
	m.mu.Unlock()

	if runner != nil {
		runner.Cancel()
	}

	if _, err := m.display.DestroyDisplay(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to destroy display")
	}

	if m.cfg.Filesystem.IsolationEnabled {
		if _, err := m.filesystem.DestroyFilesystem(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to destroy filesystem")
		}
	}

	if err := m.store.ArchiveSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}

	log.Info().Str("session_id", sessionID).Msg("session deleted")
	return nil
}

func (m *Manager) IsProcessing(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.active[sessionID]
	return ok && active.processing
}

// Shutdown cancels every in-flight turn. Displays and filesystems are
// shut down by their own managers.
func (m *Manager) Shutdown(_ context.Context) {
	m.mu.Lock()
	var runners []*agent.Runner
	for _, active := range m.active {
		if active.runner != nil {
			runners = append(runners, active.runner)
		}
	}
	m.mu.Unlock()

	for _, runner := range runners {
		runner.Cancel()
	}

	log.Info().Int("cancelled", len(runners)).Msg("session manager shut down")
}
