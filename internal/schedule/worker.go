package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/metrics"
)

// WakeRouter is the narrow slice of the command router the worker
// needs: fire-and-forget wake dispatch with an idempotency key, so two
// overlapping ticks covering the same due schedule cannot double-fire
// (see DESIGN.md Open Question #3).
type WakeRouter interface {
	RouteWakeCommand(ctx context.Context, hostFQN, idempotencyKey string) error
}

// Worker polls for due wake schedules and fires them through a
// WakeRouter. It owns its own ticker; the scheduler never holds node
// sessions directly (spec §4 Ownership).
type Worker struct {
	hosts     *HostModel
	owned     *OwnedModel
	router    WakeRouter
	log       zerolog.Logger
	interval  time.Duration
	batchSize int

	metrics *metrics.Metrics
}

// SetMetrics wires the process-wide collectors. Optional; nil (the
// zero value) disables metrics updates entirely.
func (w *Worker) SetMetrics(m *metrics.Metrics) { w.metrics = m }

// NewWorker constructs a due-schedule polling worker.
func NewWorker(hosts *HostModel, owned *OwnedModel, router WakeRouter, log zerolog.Logger, interval time.Duration, batchSize int) *Worker {
	return &Worker{
		hosts:     hosts,
		owned:     owned,
		router:    router,
		log:       log.With().Str("component", "schedule-worker").Logger(),
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start begins the background polling loop; it returns immediately
// and stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

// tick runs a single due-schedule sweep over both host-scoped and
// owner-scoped schedules, per spec §4.7's due-polling algorithm.
func (w *Worker) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.ScheduleTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	now := time.Now().UTC()

	due, err := w.hosts.ListDue(ctx, w.batchSize, now)
	if err != nil {
		w.log.Error().Err(err).Msg("list due host schedules")
	} else {
		for _, s := range due {
			w.fireHost(ctx, s, now)
		}
	}

	dueOwned, err := w.owned.ListDue(ctx, w.batchSize, now)
	if err != nil {
		w.log.Error().Err(err).Msg("list due owned schedules")
		return
	}
	for _, s := range dueOwned {
		w.fireOwned(ctx, s, now)
	}
}

func (w *Worker) fireHost(ctx context.Context, s HostWakeSchedule, now time.Time) {
	key := idempotencyKey(s.ID, s.NextTrigger)
	if err := w.router.RouteWakeCommand(ctx, s.HostFQN, key); err != nil {
		w.log.Warn().Err(err).Str("schedule_id", s.ID).Str("host_fqn", s.HostFQN).Msg("schedule wake dispatch failed")
	} else if w.metrics != nil {
		w.metrics.ScheduleDispatchedTotal.Inc()
	}
	if _, err := w.hosts.RecordExecutionAttempt(ctx, s.ID, now); err != nil {
		w.log.Error().Err(err).Str("schedule_id", s.ID).Msg("record execution attempt")
	}
}

func (w *Worker) fireOwned(ctx context.Context, s OwnedWakeSchedule, now time.Time) {
	key := idempotencyKey(s.ID, s.NextTrigger)
	if err := w.router.RouteWakeCommand(ctx, s.HostFQN, key); err != nil {
		w.log.Warn().Err(err).Str("schedule_id", s.ID).Str("host_fqn", s.HostFQN).Msg("schedule wake dispatch failed")
	} else if w.metrics != nil {
		w.metrics.ScheduleDispatchedTotal.Inc()
	}
	if _, err := w.owned.RecordExecutionAttempt(ctx, s.ID, now); err != nil {
		w.log.Error().Err(err).Str("schedule_id", s.ID).Msg("record execution attempt")
	}
}

// idempotencyKey binds a dispatch to the exact nextTrigger instant
// that caused it, not just the schedule id, so a slow tick and the
// following tick can never both fire the same due instant.
func idempotencyKey(scheduleID string, nextTrigger *time.Time) string {
	if nextTrigger == nil {
		return "schedule:" + scheduleID
	}
	return "schedule:" + scheduleID + ":" + nextTrigger.UTC().Format(time.RFC3339)
}
