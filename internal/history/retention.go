package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// staleTempAge is how old a temp file must be before it is treated as the
// leftover of an interrupted write.
const staleTempAge = time.Hour

// Pruner removes records older than Retention and stale temp files.
type Pruner struct {
	Dir       string
	Retention time.Duration
	Log       *zap.SugaredLogger

	now func() time.Time
}

func NewPruner(dir string, retention time.Duration, log *zap.SugaredLogger) *Pruner {
	return &Pruner{Dir: dir, Retention: retention, Log: log, now: time.Now}
}

// Prune deletes expired files and returns how many were removed.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list history dir: %w", err)
	}

	now := p.now()
	deleted := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		name := entry.Name()
		age := now.Sub(info.ModTime())
		expired := false
		switch {
		case strings.HasPrefix(name, "temp-"):
			expired = age > staleTempAge
		case IsHistoryFile(name):
			expired = p.Retention > 0 && age > p.Retention
		}
		if !expired {
			continue
		}
		if err := os.Remove(filepath.Join(p.Dir, name)); err != nil && !os.IsNotExist(err) {
			p.Log.Warnw("Failed to remove history file", "file", name, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Scheduler runs a Pruner on a cron schedule.
type Scheduler struct {
	pruner   *Pruner
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
}

func NewScheduler(pruner *Pruner, schedule string) *Scheduler {
	return &Scheduler{pruner: pruner, schedule: schedule, cron: cron.New()}
}

// Start validates the schedule and begins pruning. It stops when ctx ends.
// An empty schedule does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.pruner.Log.Infow("History prune schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.pruner.Log.Infow("History retention scheduler started", "schedule", s.schedule, "retention", s.pruner.Retention.String())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	deleted, err := s.pruner.Prune(ctx)
	if err != nil {
		s.pruner.Log.Errorw("Scheduled history pruning failed", "error", err)
		return
	}
	s.pruner.Log.Infow("Scheduled history pruning completed", "deleted_count", deleted)
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.pruner.Log.Infow("History retention scheduler stopped")
	}
}

// NextRun returns the next scheduled prune, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
