// Package sched drives the periodic full-state autosave and the
// cron-scheduled bulk backup snapshots.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-statehub/internal/persist"
	"github.com/basket/go-statehub/internal/state"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store   *state.Store
	Manager *persist.Manager
	Logger  *slog.Logger
	// Interval between autosave ticks; defaults to 30 seconds if zero.
	Interval time.Duration
	// BackupCron schedules bulk backup snapshots. Empty disables them.
	BackupCron string
}

// Scheduler re-persists the entire state on a fixed interval and takes
// bulk backups on the configured cron schedule.
type Scheduler struct {
	store   *state.Store
	manager *persist.Manager
	logger  *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	reload   chan struct{}

	backupSchedule cronlib.Schedule
	nextBackup     time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config. An invalid
// backup cron expression is logged and scheduled backups are disabled.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		manager:  cfg.Manager,
		logger:   logger,
		interval: interval,
		reload:   make(chan struct{}, 1),
	}
	if cfg.BackupCron != "" {
		schedule, err := cronParser.Parse(cfg.BackupCron)
		if err != nil {
			logger.Error("invalid backup cron expression, scheduled backups disabled",
				"expression", cfg.BackupCron, "error", err)
		} else {
			s.backupSchedule = schedule
			s.nextBackup = schedule.Next(time.Now())
		}
	}
	return s
}

// Interval returns the current autosave cadence.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the autosave cadence live; the running loop resets
// its ticker on the next reload signal. Non-positive values are ignored.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("autosave scheduler started", "interval", s.Interval(), "backups", s.backupSchedule != nil)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("autosave scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reload:
			d := s.Interval()
			ticker.Reset(d)
			s.logger.Info("autosave interval updated", "interval", d)
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.store.PersistAll(ctx)

	if s.backupSchedule != nil && now.After(s.nextBackup) {
		if err := s.manager.BackupAll(ctx); err != nil {
			s.logger.Error("scheduled backup failed", "error", err)
		} else {
			s.logger.Info("scheduled backup taken")
		}
		s.nextBackup = s.backupSchedule.Next(now)
	}
}
