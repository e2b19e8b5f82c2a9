package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deskhive/deskhive/api/pkg/types"
)

// ScriptedExecutor plays a fixed turn: a text block, a screenshot tool
// round trip and a closing text block. It stands in for the real agent
// loop in tests and in deployments without an API key.
type ScriptedExecutor struct {
	// StepDelay spaces the scripted events out, mimicking a real
	// model's pacing. Zero means full speed.
	StepDelay time.Duration

	// Err makes every execution fail, for exercising error paths.
	Err error
}

func (s *ScriptedExecutor) Execute(ctx context.Context, req *Request, emit func(*types.Event)) ([]*types.Message, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	steps := []func(){
		func() {
			emit(types.NewTextEvent(req.MessageID, "I'll help you with that. Let me take a look..."))
		},
		func() {
			emit(types.NewToolUseEvent(req.MessageID, "computer", "toolu_scripted_1", map[string]any{
				"action": "screenshot",
			}))
		},
		func() {
			emit(types.NewToolResultEvent(req.MessageID, "toolu_scripted_1", "Screenshot captured successfully", ""))
		},
		func() {
			emit(types.NewTextEvent(req.MessageID, "I've completed the task."))
		},
	}

	for _, step := range steps {
		if err := s.pause(ctx); err != nil {
			return nil, err
		}
		step()
	}

	content, err := json.Marshal([]map[string]any{
		{"type": "text", "text": "I've completed the task."},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode scripted response: %w", err)
	}

	messages := append([]*types.Message{}, req.History...)
	messages = append(messages, &types.Message{
		SessionID: req.SessionID,
		Role:      types.RoleAssistant,
		Content:   content,
		Created:   time.Now(),
	})

	return messages, nil
}

func (s *ScriptedExecutor) pause(ctx context.Context) error {
	if s.StepDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.StepDelay):
		return nil
	}
}
