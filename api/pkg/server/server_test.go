package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskhive/deskhive/api/pkg/agent"
	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/sessions"
	"github.com/deskhive/deskhive/api/pkg/store"
	"github.com/deskhive/deskhive/api/pkg/types"
)

type stubDisplay struct {
	next     int
	displays map[string]int
}

func (f *stubDisplay) CreateDisplay(_ context.Context, sessionID string) (*types.DisplayInfo, error) {
	if num, ok := f.displays[sessionID]; ok {
		return &types.DisplayInfo{SessionID: sessionID, DisplayNum: num, VNCPort: 5900 + num}, nil
	}
	f.next++
	f.displays[sessionID] = f.next
	return &types.DisplayInfo{SessionID: sessionID, DisplayNum: f.next, VNCPort: 5900 + f.next}, nil
}

func (f *stubDisplay) DestroyDisplay(_ context.Context, sessionID string) (bool, error) {
	_, ok := f.displays[sessionID]
	delete(f.displays, sessionID)
	return ok, nil
}

func (f *stubDisplay) DisplayEnv(sessionID string) map[string]string {
	if num, ok := f.displays[sessionID]; ok {
		return map[string]string{"DISPLAY": fmt.Sprintf(":%d", num)}
	}
	return nil
}

func (f *stubDisplay) VNCURL(sessionID string) string {
	return "http://localhost:6080/vnc.html?path=websockify/?token=" + sessionID
}

type stubFilesystem struct{}

func (stubFilesystem) CreateFilesystem(_ context.Context, sessionID string) (*types.FilesystemInfo, error) {
	return &types.FilesystemInfo{SessionID: sessionID, Mounted: true}, nil
}

func (stubFilesystem) DestroyFilesystem(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (stubFilesystem) FilesystemEnv(_ string) map[string]string { return nil }

type stubUsage struct{}

func (stubUsage) DiskUsage(sessionID string) (*types.DiskUsage, error) {
	return &types.DiskUsage{SessionID: sessionID, SizeBytes: 2048, SizeHuman: "2.048kB"}, nil
}

type stubCleaner struct{ reclaimed int }

func (c *stubCleaner) ForceCleanup(_ context.Context) (int, error) {
	return c.reclaimed, nil
}

func newTestServer(t *testing.T) (*Server, *agent.ScriptedExecutor) {
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
	cfg.Agent.EventStreamTimeout = time.Minute

	display := &stubDisplay{displays: map[string]int{}}
	executor := &agent.ScriptedExecutor{}
	manager := sessions.NewManager(cfg, db, display, stubFilesystem{}, executor)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return NewServer(cfg, db, manager, display, stubUsage{}, &stubCleaner{reclaimed: 2}), executor
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createTestSession(t *testing.T, router http.Handler) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]string{"title": "test"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID     string `json:"id"`
		VNCURL string `json:"vnc_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	id := createTestSession(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Session struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			VNCURL string `json:"vnc_url"`
		} `json:"session"`
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Session.ID)
	assert.Equal(t, "active", resp.Session.Status)
	assert.Contains(t, resp.Session.VNCURL, "token="+id)
	assert.Empty(t, resp.Messages)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/sessions/ses_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageAndStream(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	id := createTestSession(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "hello"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		MessageID string `json:"message_id"`
		EventsURL string `json:"events_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.MessageID, "msg_")
	assert.Equal(t, "/api/v1/sessions/"+id+"/events", resp.EventsURL)

	stream := doJSON(t, router, http.MethodGet, resp.EventsURL, nil)
	assert.Equal(t, http.StatusOK, stream.Code)
	assert.Equal(t, "text/event-stream", stream.Header().Get("Content-Type"))

	body := stream.Body.String()
	assert.Contains(t, body, "event: status")
	assert.Contains(t, body, "event: message_complete")

	// message_complete is the final frame.
	frames := strings.Split(strings.TrimSpace(body), "\n\n")
	assert.True(t, strings.HasPrefix(frames[len(frames)-1], "event: message_complete"))
}

func TestSendMessageConflictWhileProcessing(t *testing.T) {
	srv, executor := newTestServer(t)
	executor.StepDelay = time.Hour
	router := srv.Router()
	id := createTestSession(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "first"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "second"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelResp struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelResp))
	assert.True(t, cancelResp.Cancelled)
}

func TestSendMessageValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	id := createTestSession(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/sessions/ses_missing/messages", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSessionAndConflictAfter(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	id := createTestSession(t, router)

	rec := doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Archived sessions drop out of the default listing.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestVNCInfo(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	id := createTestSession(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+id+"/vnc", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		URL        string `json:"url"`
		DisplayNum int    `json:"display_num"`
		VNCPort    int    `json:"vnc_port"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.DisplayNum)
	assert.Equal(t, 5901, resp.VNCPort)
	assert.Contains(t, resp.URL, "token="+id)
}

func TestDiskUsageAndCleanup(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	id := createTestSession(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+id+"/disk-usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage types.DiskUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, int64(2048), usage.SizeBytes)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleanup struct {
		Reclaimed int `json:"reclaimed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleanup))
	assert.Equal(t, 2, cleanup.Reclaimed)
}
