// Package maintenance runs the background reconciliation sweep: the
// denormalized conversation preview fields (last message, count) are written
// last-writer-wins on the send path and can drift after failures; the sweeper
// recomputes them from the messages table on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/fleetgrid/relay/internal/store"
)

// tickInterval is how often the schedule is evaluated. Cron granularity is a
// minute, so checking once a minute is exact.
const tickInterval = time.Minute

// Sweeper reconciles denormalized conversation state on a cron schedule.
type Sweeper struct {
	conversations store.ConversationStore
	gron          *gronx.Gronx

	mu       sync.Mutex
	schedule string
}

// New creates a sweeper. An empty schedule disables it until a reload sets
// one. An invalid cron expression is a configuration error.
func New(conversations store.ConversationStore, schedule string) (*Sweeper, error) {
	g := gronx.New()
	if schedule != "" && !g.IsValid(schedule) {
		return nil, fmt.Errorf("maintenance: invalid cron expression %q", schedule)
	}
	return &Sweeper{
		conversations: conversations,
		schedule:      schedule,
		gron:          g,
	}, nil
}

// SetSchedule swaps the cron schedule at runtime. An empty schedule disables
// the sweep; an invalid expression is rejected and the old schedule kept.
func (s *Sweeper) SetSchedule(schedule string) error {
	if schedule != "" && !s.gron.IsValid(schedule) {
		return fmt.Errorf("maintenance: invalid cron expression %q", schedule)
	}

	s.mu.Lock()
	changed := s.schedule != schedule
	s.schedule = schedule
	s.mu.Unlock()

	if changed {
		slog.Info("maintenance schedule updated", "schedule", schedule)
	}
	return nil
}

// Schedule returns the current cron schedule, empty when disabled.
func (s *Sweeper) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

// Run blocks until ctx is done, firing the sweep whenever the schedule is
// due. A disabled sweeper keeps idling so a reloaded schedule takes effect
// without a restart. A failed sweep is logged and retried at the next due
// tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if sched := s.Schedule(); sched == "" {
		slog.Info("maintenance sweeper disabled")
	} else {
		slog.Info("maintenance sweeper starting", "schedule", sched)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sched := s.Schedule()
			if sched == "" {
				continue
			}
			due, err := s.gron.IsDue(sched, now)
			if err != nil {
				slog.Warn("maintenance schedule check failed", "error", err)
				continue
			}
			if !due {
				continue
			}
			s.sweep(ctx)
		}
	}
}

// SweepNow runs one reconciliation pass immediately. Used by the doctor
// command and tests.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	return s.conversations.Recount(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	n, err := s.conversations.Recount(ctx)
	if err != nil {
		slog.Error("maintenance sweep failed", "error", err)
		return
	}
	slog.Info("maintenance sweep complete", "conversations", n, "took", time.Since(start))
}
