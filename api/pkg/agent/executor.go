package agent

import (
	"context"
	"strings"

	"github.com/deskhive/deskhive/api/pkg/types"
)

// Request is everything an executor needs for one turn: the
// conversation so far, the new user message and the environment that
// binds tool execution to the session's display and filesystem.
type Request struct {
	SessionID          string
	MessageID          string
	Model              string
	Provider           string
	SystemPromptSuffix string
	MaxTokens          int
	ToolVersion        string

	UserMessage string
	History     []*types.Message

	// Env carries DISPLAY plus the HOME/TMPDIR/XDG_* binding, so tools
	// act on the session's desktop and isolated filesystem.
	Env map[string]string
}

// Executor runs one agent turn. What happens inside, model calls, tool
// selection, screenshots, is the executor's business; the session core
// only sees the event stream and the resulting messages.
type Executor interface {
	Execute(ctx context.Context, req *Request, emit func(*types.Event)) ([]*types.Message, error)
}

// ResolveToolVersion maps a model name onto the computer-use tool
// generation it speaks. Longer version suffixes are matched first so
// "sonnet-4-5" does not fall into the "sonnet-4" bucket.
func ResolveToolVersion(model string) string {
	switch {
	case strings.Contains(model, "opus-4-5"):
		return "computer_use_20251124"
	case strings.Contains(model, "sonnet-4-5"), strings.Contains(model, "haiku-4-5"):
		return "computer_use_20250124"
	case strings.Contains(model, "sonnet-4"), strings.Contains(model, "opus-4"):
		return "computer_use_20250429"
	default:
		return "computer_use_20250124"
	}
}
