package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/store"
	"github.com/deskhive/deskhive/api/pkg/types"
)

// handle is one live display stack: a virtual X server, the VNC server
// exporting it, and the optional desktop taskbar.
type handle struct {
	sessionID  string
	displayNum int
	vncPort    int

	xvfb    *process
	vnc     *process
	taskbar *process
}

// Manager owns the display number space and the per-session display
// stacks. All state is guarded by a single mutex; the slow parts
// (spawning, readiness polling) happen while holding it, which is fine
// at the session counts a single host serves.
type Manager struct {
	cfg   config.VNC
	store store.Store

	mu       sync.Mutex
	alloc    *allocator
	displays map[string]*handle
}

func NewManager(cfg config.VNC, store store.Store) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		alloc:    newAllocator(1, cfg.MaxDisplays),
		displays: make(map[string]*handle),
	}
}

// CreateDisplay allocates a display number, brings up the Xvfb + desktop
// + x11vnc stack for the session and registers the session's routing
// token. Calling it again for a live session returns the existing
// binding.
func (m *Manager) CreateDisplay(ctx context.Context, sessionID string) (*types.DisplayInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.displays[sessionID]; ok {
		return h.info(), nil
	}

	num, err := m.alloc.allocate()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate display number: %w", err)
	}

	h, err := m.startStack(ctx, sessionID, num)
	if err != nil {
		m.alloc.release(num)
		return nil, err
	}

	m.displays[sessionID] = h

	log.Info().
		Str("session_id", sessionID).
		Int("display_num", num).
		Int("vnc_port", h.vncPort).
		Msg("display created")

	return h.info(), nil
}

// startStack spawns Xvfb, the desktop environment and x11vnc for the
// given display number and registers the token route. On any failure it
// unwinds whatever it already started.
func (m *Manager) startStack(ctx context.Context, sessionID string, num int) (h *handle, err error) {
	displayStr := fmt.Sprintf(":%d", num)
	vncPort := m.cfg.BasePort + num

	h = &handle{
		sessionID:  sessionID,
		displayNum: num,
		vncPort:    vncPort,
	}
	// The failure returns below write nil into the named return, so the
	// unwind must hold its own reference to the partially built handle.
	started := h
	defer func() {
		if err != nil {
			m.teardown(started)
		}
	}()

	screen := fmt.Sprintf("%dx%dx24", m.cfg.ScreenWidth, m.cfg.ScreenHeight)
	xvfbCmd := exec.Command(m.cfg.XvfbBinary, displayStr,
		"-screen", "0", screen,
		"-ac", "-nolisten", "tcp")
	h.xvfb, err = startProcess("Xvfb", xvfbCmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start X server on %s: %w", displayStr, err)
	}

	if err = m.waitDisplayReady(ctx, displayStr); err != nil {
		return nil, fmt.Errorf("X server on %s never became ready: %w", displayStr, err)
	}

	m.setupDesktop(h, displayStr)

	vncCmd := exec.Command(m.cfg.X11VNCBinary,
		"-display", displayStr,
		"-rfbport", fmt.Sprintf("%d", vncPort),
		"-forever", "-shared", "-nopw",
		"-xkb", "-noxrecord", "-noxfixes", "-noxdamage",
		"-wait", "5", "-defer", "5")
	h.vnc, err = startProcess("x11vnc", vncCmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start VNC server on %s: %w", displayStr, err)
	}

	if err = appendToken(m.cfg.TokenFile, sessionID, m.cfg.Host, vncPort); err != nil {
		return nil, fmt.Errorf("failed to register VNC token: %w", err)
	}

	return h, nil
}

// waitDisplayReady polls xdpyinfo until the X server answers queries.
func (m *Manager) waitDisplayReady(ctx context.Context, displayStr string) error {
	interval := 100 * time.Millisecond
	attempts := uint(m.cfg.ReadyTimeout / interval)
	if attempts == 0 {
		attempts = 1
	}

	return retry.Do(
		func() error {
			return exec.CommandContext(ctx, m.cfg.XdpyinfoBinary, "-display", displayStr).Run()
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// setupDesktop makes the bare framebuffer look like a desktop: neutral
// background, taskbar, screen blanking off. Every step is best effort;
// a missing tint2 must not take session creation down with it.
func (m *Manager) setupDesktop(h *handle, displayStr string) {
	env := append(os.Environ(), "DISPLAY="+displayStr)

	root := exec.Command(m.cfg.XSetRootBinary, "-solid", "grey")
	root.Env = env
	if err := root.Run(); err != nil {
		log.Debug().Err(err).Str("display", displayStr).Msg("failed to set root window background")
	}

	taskbarCmd := exec.Command(m.cfg.TaskbarBinary)
	taskbarCmd.Env = env
	taskbar, err := startProcess("taskbar", taskbarCmd)
	if err != nil {
		log.Warn().Err(err).Str("display", displayStr).Msg("taskbar unavailable, continuing without one")
	} else {
		h.taskbar = taskbar
	}

	for _, args := range [][]string{{"s", "off"}, {"-dpms"}, {"s", "noblank"}} {
		xset := exec.Command(m.cfg.XSetBinary, args...)
		xset.Env = env
		if err := xset.Run(); err != nil {
			log.Debug().Err(err).Str("display", displayStr).Msg("failed to disable screen blanking")
		}
	}
}

// DestroyDisplay tears down the session's display stack. Returns false
// when the session has no display, which is not an error: destruction
// is idempotent.
func (m *Manager) DestroyDisplay(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.displays[sessionID]
	if !ok {
		return false, nil
	}

	m.teardown(h)
	delete(m.displays, sessionID)
	m.alloc.release(h.displayNum)

	log.Info().
		Str("session_id", sessionID).
		Int("display_num", h.displayNum).
		Msg("display destroyed")

	return true, nil
}

// teardown stops the stack in reverse dependency order (VNC first so
// clients disconnect cleanly, X server last) and removes the token
// route and the X lock files.
func (m *Manager) teardown(h *handle) {
	for _, p := range []*process{h.vnc, h.taskbar, h.xvfb} {
		if p != nil {
			p.terminate(m.cfg.TerminateGrace)
		}
	}

	if err := removeToken(m.cfg.TokenFile, h.sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", h.sessionID).Msg("failed to remove VNC token")
	}

	// Xvfb usually removes these itself, but not when it was killed.
	// A stale lock would block the number from ever being reused.
	for _, stale := range []string{
		filepath.Join(m.cfg.TmpDir, fmt.Sprintf(".X%d-lock", h.displayNum)),
		filepath.Join(m.cfg.TmpDir, ".X11-unix", fmt.Sprintf("X%d", h.displayNum)),
	} {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", stale).Msg("failed to remove stale X lock file")
		}
	}
}

// DisplayEnv returns the environment a process needs to render onto the
// session's display, or nil when the session has none.
func (m *Manager) DisplayEnv(sessionID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.displays[sessionID]
	if !ok {
		return nil
	}
	return map[string]string{
		"DISPLAY": fmt.Sprintf(":%d", h.displayNum),
	}
}

func (m *Manager) GetDisplayInfo(sessionID string) (*types.DisplayInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.displays[sessionID]
	if !ok {
		return nil, false
	}
	return h.info(), true
}

// VNCURL is the browser-facing noVNC URL. The session ID is the
// websockify routing token.
func (m *Manager) VNCURL(sessionID string) string {
	return fmt.Sprintf("http://%s:%d/vnc.html?path=websockify/?token=%s",
		m.cfg.Host, m.cfg.GatewayPort, sessionID)
}

func (m *Manager) HasDisplay(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.displays[sessionID]
	return ok
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alloc.activeCount()
}

// RecoverActiveSessions re-creates display stacks for sessions that
// were active with a display bound when the process last stopped. Each
// session is best effort: a session whose display cannot come back gets
// its binding cleared and keeps running degraded.
func (m *Manager) RecoverActiveSessions(ctx context.Context) (int, error) {
	sessions, err := m.store.ListRecoverableSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list recoverable sessions: %w", err)
	}

	recovered := 0
	for _, session := range sessions {
		num := *session.DisplayNum
		if err := m.recoverOne(ctx, session.ID, num); err != nil {
			log.Warn().Err(err).
				Str("session_id", session.ID).
				Int("display_num", num).
				Msg("failed to recover display, clearing binding")
			if err := m.store.UpdateSessionDisplay(ctx, session.ID, nil, nil); err != nil {
				log.Error().Err(err).Str("session_id", session.ID).Msg("failed to clear display binding")
			}
			continue
		}
		recovered++
	}

	if len(sessions) > 0 {
		log.Info().
			Int("recovered", recovered).
			Int("total", len(sessions)).
			Msg("display recovery finished")
	}

	return recovered, nil
}

func (m *Manager) recoverOne(ctx context.Context, sessionID string, num int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.displays[sessionID]; ok {
		return nil
	}

	if err := m.alloc.claim(num); err != nil {
		return err
	}

	h, err := m.startStack(ctx, sessionID, num)
	if err != nil {
		m.alloc.release(num)
		return err
	}

	m.displays[sessionID] = h
	return nil
}

// Shutdown destroys every tracked display.
func (m *Manager) Shutdown(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID, h := range m.displays {
		m.teardown(h)
		delete(m.displays, sessionID)
		m.alloc.release(h.displayNum)
	}

	log.Info().Msg("display manager shut down")
}

func (h *handle) info() *types.DisplayInfo {
	return &types.DisplayInfo{
		SessionID:  h.sessionID,
		DisplayNum: h.displayNum,
		VNCPort:    h.vncPort,
	}
}
