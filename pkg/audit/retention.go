package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cachegate-ai/cachegate/pkg/logging"
)

// Retention prunes old request log rows on a cron schedule.
type Retention struct {
	logger   *Logger
	schedule string
	cron     *cron.Cron
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewRetention builds a pruning scheduler for the given request log.
func NewRetention(l *Logger, schedule string) *Retention {
	return &Retention{
		logger:   l,
		schedule: schedule,
		cron:     cron.New(),
		log:      logging.NewLogger("audit"),
	}
}

// Start schedules pruning. An empty schedule disables it without error.
func (r *Retention) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schedule == "" {
		r.log.Info().Msg("Prune schedule not configured, retention disabled")
		return nil
	}
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", r.schedule, err)
	}

	_, err := r.cron.AddFunc(r.schedule, r.prune)
	if err != nil {
		return fmt.Errorf("schedule request log pruning: %w", err)
	}

	r.cron.Start()
	r.running = true
	r.log.Info().Str("schedule", r.schedule).Msg("Request log retention started")
	return nil
}

// Stop halts the scheduler and waits for a running prune to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
		r.log.Info().Msg("Request log retention stopped")
	}
}

func (r *Retention) prune() {
	n, err := r.logger.Cleanup(context.Background())
	if err != nil {
		r.log.Error().Err(err).Msg("Request log pruning failed")
		return
	}
	if n > 0 {
		r.log.Info().Int64("rows", n).Msg("Pruned request log")
	}
}
