package agent

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/deskhive/deskhive/api/pkg/types"
)

// eventBuffer bounds the in-flight event queue. Consumers that fall
// this far behind lose events rather than stalling the executor.
const eventBuffer = 256

// Runner supervises one agent turn: it owns the event channel, the
// cancellation handle and the results. The executor is the only event
// producer; the runner adds the terminal message_complete itself so
// consumers always see exactly one.
type Runner struct {
	executor Executor

	events chan *types.Event
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	messages []*types.Message
	err      error
}

func NewRunner(executor Executor) *Runner {
	return &Runner{
		executor: executor,
		events:   make(chan *types.Event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// Start launches the turn in the background and returns the event
// channel. The channel closes after the terminal message_complete
// event. ctx should outlive the originating request: cancelling it
// cancels the execution.
func (r *Runner) Start(ctx context.Context, req *Request) <-chan *types.Event {
	ctx, r.cancel = context.WithCancel(ctx)

	r.emit(types.NewEvent(types.EventTypeStatus, req.MessageID, map[string]any{
		"status":  "started",
		"message": "Processing your request...",
	}))

	go func() {
		defer close(r.done)
		defer close(r.events)

		messages, err := r.executor.Execute(ctx, req, r.emit)

		r.mu.Lock()
		r.messages = messages
		r.err = err
		r.mu.Unlock()

		if err != nil {
			log.Warn().Err(err).
				Str("session_id", req.SessionID).
				Str("message_id", req.MessageID).
				Msg("agent execution failed")
			r.emit(types.NewErrorEvent(req.MessageID, err.Error()))
			r.emit(types.NewCompleteEvent(req.MessageID, "error"))
			return
		}

		r.emit(types.NewCompleteEvent(req.MessageID, "completed"))
	}()

	return r.events
}

// emit enqueues without blocking. The buffer is generous; overflow
// means the consumer is gone, so dropping is the right call.
func (r *Runner) emit(event *types.Event) {
	select {
	case r.events <- event:
	default:
		log.Warn().Str("type", string(event.Type)).Msg("event buffer full, dropping event")
	}
}

// Cancel requests a cooperative unwind and waits for the executor to
// finish. Safe to call more than once and after completion.
func (r *Runner) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Messages returns the executor's resulting conversation. Only valid
// after Done is closed.
func (r *Runner) Messages() []*types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages
}

func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Runner) Running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}
