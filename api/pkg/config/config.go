package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	WebServer  WebServer
	Store      Store
	VNC        VNC
	Filesystem Filesystem
	Cleanup    Cleanup
	Agent      Agent

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8000"`
}

type Store struct {
	// Driver is "sqlite" or "postgres". SQLite keeps single-host
	// deployments dependency free; postgres is for shared setups.
	Driver      string `envconfig:"STORE_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"STORE_SQLITE_PATH" default:"data/sessions.db"`
	PostgresDSN string `envconfig:"STORE_POSTGRES_DSN"`
	AutoMigrate bool   `envconfig:"STORE_AUTO_MIGRATE" default:"true"`
}

// VNC configures the display allocator: where displays live, how the
// shared websockify gateway routes to them, and which X binaries to
// drive. Binary names are overridable mostly for tests.
type VNC struct {
	Host        string `envconfig:"VNC_HOST" default:"localhost"`
	BasePort    int    `envconfig:"VNC_BASE_PORT" default:"5900"`
	GatewayPort int    `envconfig:"VNC_GATEWAY_PORT" default:"6080"`

	ScreenWidth  int `envconfig:"SCREEN_WIDTH" default:"1024"`
	ScreenHeight int `envconfig:"SCREEN_HEIGHT" default:"768"`

	MaxDisplays int `envconfig:"VNC_MAX_DISPLAYS" default:"32"`

	// TokenFile is the shared websockify token file; one line per
	// session, "{session_id}: {host}:{vnc_port}".
	TokenFile string `envconfig:"VNC_TOKEN_FILE" default:"/tmp/vnc_tokens"`

	// TmpDir is where the X server keeps its lock files
	// (.X{N}-lock, .X11-unix/X{N}).
	TmpDir string `envconfig:"VNC_TMP_DIR" default:"/tmp"`

	XvfbBinary     string `envconfig:"XVFB_BINARY" default:"Xvfb"`
	X11VNCBinary   string `envconfig:"X11VNC_BINARY" default:"x11vnc"`
	TaskbarBinary  string `envconfig:"TASKBAR_BINARY" default:"tint2"`
	XSetBinary     string `envconfig:"XSET_BINARY" default:"xset"`
	XSetRootBinary string `envconfig:"XSETROOT_BINARY" default:"xsetroot"`
	XdpyinfoBinary string `envconfig:"XDPYINFO_BINARY" default:"xdpyinfo"`

	// ReadyTimeout bounds the post-spawn poll for the X server to
	// answer queries.
	ReadyTimeout time.Duration `envconfig:"VNC_READY_TIMEOUT" default:"5s"`
	// TerminateGrace is how long a child gets between SIGTERM and
	// SIGKILL during display teardown.
	TerminateGrace time.Duration `envconfig:"VNC_TERMINATE_GRACE" default:"1s"`
}

type Filesystem struct {
	// IsolationEnabled gates the whole overlay subsystem. When off,
	// sessions share the host filesystem (dev only).
	IsolationEnabled bool `envconfig:"FILESYSTEM_ISOLATION_ENABLED" default:"true"`

	// SessionsDir holds active/{id}/{upper,work,merged} trees and
	// snapshots/{id} archives.
	SessionsDir string `envconfig:"FILESYSTEM_SESSIONS_DIR" default:"/sessions"`
	// BaseDir is the shared read-only lower layer template.
	BaseDir string `envconfig:"FILESYSTEM_BASE_DIR" default:"/sessions/base"`

	// DiskQuotaBytes is advisory: reported alongside disk usage, not
	// enforced here.
	DiskQuotaBytes int64 `envconfig:"FILESYSTEM_DISK_QUOTA_BYTES" default:"0"`
}

type Cleanup struct {
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"1h"`
	CheckInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"5m"`
}

type Agent struct {
	DefaultModel string `envconfig:"AGENT_DEFAULT_MODEL" default:"claude-sonnet-4-5-20250929"`
	Provider     string `envconfig:"AGENT_PROVIDER" default:"anthropic"`
	MaxTokens    int    `envconfig:"AGENT_MAX_TOKENS" default:"16384"`

	// EventStreamTimeout is the keepalive interval on SSE relays. It
	// never cancels the execution itself.
	EventStreamTimeout time.Duration `envconfig:"AGENT_EVENT_STREAM_TIMEOUT" default:"30s"`
}
