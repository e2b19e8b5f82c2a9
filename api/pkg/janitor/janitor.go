package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/store"
)

// SessionDeleter is the single destruction path: every reclaimed
// session goes through the same teardown a user-initiated delete does.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, sessionID string) error
}

// Janitor reclaims sessions whose last activity is older than the TTL.
// Displays, filesystems and database rows all go through the session
// manager, so there is exactly one teardown code path.
type Janitor struct {
	cfg      config.Cleanup
	store    store.Store
	sessions SessionDeleter

	mu   sync.Mutex
	cron gocron.Scheduler
}

func New(cfg config.Cleanup, store store.Store, sessions SessionDeleter) *Janitor {
	return &Janitor{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
	}
}

// Start schedules the periodic sweep. Idempotent.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(j.cfg.CheckInterval),
		gocron.NewTask(func() {
			j.tick(ctx)
		}),
		gocron.WithName("session-cleanup"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule cleanup job: %w", err)
	}

	cron.Start()
	j.cron = cron

	log.Info().
		Dur("interval", j.cfg.CheckInterval).
		Dur("ttl", j.cfg.SessionTTL).
		Msg("janitor started")

	return nil
}

// Stop shuts the scheduler down. Idempotent.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron == nil {
		return
	}
	if err := j.cron.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("failed to shut down janitor scheduler")
	}
	j.cron = nil

	log.Info().Msg("janitor stopped")
}

// tick is one sweep. A panicking teardown must not take the scheduler
// down with it.
func (j *Janitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("janitor sweep panicked")
		}
	}()

	reclaimed, err := j.sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("janitor sweep failed")
		return
	}
	if reclaimed > 0 {
		log.Info().Int("reclaimed", reclaimed).Msg("janitor sweep finished")
	}
}

// ForceCleanup runs one synchronous sweep and reports how many
// sessions were reclaimed.
func (j *Janitor) ForceCleanup(ctx context.Context) (int, error) {
	return j.sweep(ctx)
}

// sweep reclaims every session idle past the TTL. Per-session failures
// are logged and skipped; one stuck session must not shield the rest.
func (j *Janitor) sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-j.cfg.SessionTTL)

	expired, err := j.store.ListSessionsInactiveSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	reclaimed := 0
	for _, session := range expired {
		log.Info().
			Str("session_id", session.ID).
			Time("last_activity", session.LastActivity).
			Msg("reclaiming expired session")

		if err := j.sessions.DeleteSession(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("failed to reclaim session")
			continue
		}
		reclaimed++
	}

	return reclaimed, nil
}
