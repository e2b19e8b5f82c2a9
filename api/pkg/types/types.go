package types

import (
	"time"

	"gorm.io/datatypes"
)

// SessionStatus is the lifecycle state of a session.
//
// Transitions:
//
//	active -> processing   (message accepted)
//	processing -> active   (execution completed)
//	processing -> error    (execution failed)
//	any -> archived        (destroyed, terminal)
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusError      SessionStatus = "error"
	SessionStatusArchived   SessionStatus = "archived"
)

// Session is a persisted virtual desktop session. Each session owns an
// exclusive X11 display, VNC transport and copy-on-write filesystem view
// while it is live; the session ID doubles as the VNC routing token on
// the shared websockify gateway.
type Session struct {
	ID     string        `json:"id" gorm:"primaryKey"`
	Title  string        `json:"title"`
	Status SessionStatus `json:"status" gorm:"index"`

	Model              string `json:"model"`
	Provider           string `json:"provider"`
	SystemPromptSuffix string `json:"system_prompt_suffix"`

	// Display binding. Nil when the session is running degraded
	// (no display could be allocated) or after destruction.
	DisplayNum *int `json:"display_num"`
	VNCPort    *int `json:"vnc_port" gorm:"column:vnc_port"`

	// Degraded marks a session that was created without a display
	// because allocation failed. The session still accepts messages;
	// the execution environment just has no DISPLAY binding.
	Degraded bool `json:"degraded"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	// LastActivity drives TTL-based reclamation by the janitor.
	LastActivity time.Time `json:"last_activity" gorm:"index"`
}

// Message roles. Tool results are stored with RoleTool and converted to
// user-role content blocks when history is replayed to the executor.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single persisted conversation entry. Content is stored as
// raw JSON so the executor's content block structure (text, tool_use,
// tool_result, thinking) survives round trips unchanged.
type Message struct {
	ID        string         `json:"id" gorm:"primaryKey"`
	SessionID string         `json:"session_id" gorm:"index"`
	Role      string         `json:"role"`
	Content   datatypes.JSON `json:"content"`
	ToolUseID string         `json:"tool_use_id"`
	Created   time.Time      `json:"created" gorm:"index"`
}

// DisplayInfo describes a live display binding for API responses. The
// supervising process handles stay inside the display manager; this is
// the externally visible projection.
type DisplayInfo struct {
	SessionID  string `json:"session_id"`
	DisplayNum int    `json:"display_num"`
	VNCPort    int    `json:"vnc_port"`
}

// FilesystemInfo describes a session's mounted copy-on-write view.
type FilesystemInfo struct {
	SessionID  string `json:"session_id"`
	HomePath   string `json:"home_path"`
	TmpPath    string `json:"tmp_path"`
	MergedRoot string `json:"merged_root"`
	UpperPath  string `json:"upper_path"`
	Mounted    bool   `json:"mounted"`
}

// ArchiveInfo describes a session filesystem archived to durable storage.
type ArchiveInfo struct {
	SessionID   string `json:"session_id"`
	ArchivePath string `json:"archive_path"`
	SizeBytes   int64  `json:"size_bytes"`
	Compressed  bool   `json:"compressed"`
}

// DiskUsage reports the copy-on-write delta of a session, i.e. the sum
// of file sizes in the upper layer only. The shared base is excluded on
// purpose: it is not a per-tenant cost.
type DiskUsage struct {
	SessionID string `json:"session_id"`
	SizeBytes int64  `json:"size_bytes"`
	SizeHuman string `json:"size_human"`
}
