package experience

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the Store's Cleanup on a recurring cron schedule,
// separate from and at a much coarser granularity than the File
// Watcher's manifest poll.
type Scheduler struct {
	cron      *cron.Cron
	store     *Store
	olderThan time.Duration
	logger    *slog.Logger
}

// NewScheduler constructs a Scheduler that runs store.Cleanup(olderThan)
// according to spec (standard five-field cron syntax).
func NewScheduler(store *Store, spec string, olderThan time.Duration) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		store:     store,
		olderThan: olderThan,
		logger:    slog.Default().With("component", "experience_scheduler"),
	}
	_, err := s.cron.AddFunc(spec, s.runCleanup)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) runCleanup() {
	n, err := s.store.Cleanup(context.Background(), s.olderThan)
	if err != nil {
		s.logger.Warn("experience cleanup failed", "error", err)
		return
	}
	s.logger.Info("experience cleanup complete", "rows_deleted", n)
}

// Start begins running the scheduled cleanup in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
