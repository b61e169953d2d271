// Package scheduler runs the periodic convergence pass.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/convergence"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/go-co-op/gocron"
)

type Reconciler interface {
	ReconcileAll(ctx context.Context, policy config.Policy) (convergence.Report, error)
}

type ReconcileScheduler struct {
	reconciler Reconciler
	notifier   notify.Notifier
	policy     config.Policy
	interval   time.Duration

	mu     sync.Mutex
	sched  *gocron.Scheduler
	cancel context.CancelFunc
}

func NewReconcileScheduler(reconciler Reconciler, notifier notify.Notifier, policy config.Policy, interval time.Duration) *ReconcileScheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &ReconcileScheduler{
		reconciler: reconciler,
		notifier:   notifier,
		policy:     policy,
		interval:   interval,
	}
}

// RunOnce reconciles every managed room and forwards the report to the
// operator notifiers.
func (s *ReconcileScheduler) RunOnce(ctx context.Context) (convergence.Report, error) {
	report, err := s.reconciler.ReconcileAll(ctx, s.policy)
	if err != nil {
		slog.Error("reconcile pass failed", "error", err)
		return report, err
	}
	slog.Info("reconcile pass finished",
		"rooms", len(report.Results),
		"created", report.Created(),
		"power_changes", report.PowerChanges(),
		"failed", len(report.Failures()),
		"no_admin", len(report.NoAdmin()),
	)
	notify.Send(ctx, s.notifier, report.Notification())
	return report, nil
}

// Start schedules RunOnce every interval until ctx is cancelled or Stop is
// called. The first run happens one interval after Start. A non-positive
// interval disables the schedule.
func (s *ReconcileScheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		slog.Info("periodic reconcile disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		return fmt.Errorf("reconcile scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sched := gocron.NewScheduler(time.UTC)
	sched.SingletonModeAll()
	if _, err := sched.Every(s.interval).WaitForSchedule().Do(func() {
		_, _ = s.RunOnce(runCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule reconcile: %w", err)
	}
	sched.StartAsync()
	s.sched = sched
	s.cancel = cancel
	slog.Info("periodic reconcile scheduled", "interval", s.interval)
	return nil
}

func (s *ReconcileScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return
	}
	s.cancel()
	s.sched.Stop()
	s.sched = nil
}
