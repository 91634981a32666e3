// Package scheduler runs background jobs of the API process on cron specs.
package scheduler

import (
	"context"
	"fmt"

	"github.com/miguelnutt/rewards-backend/internal/services"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler is the part of the reconciliation service the scheduler drives.
type Reconciler interface {
	Run(ctx context.Context, batchSize int) (*services.RunReport, error)
}

type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(reconciler Reconciler, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		reconciler: reconciler,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ScheduleReconcile registers a reconciliation run on a cron schedule. An empty schedule
// leaves reconciliation to the admin endpoint and the one-shot command.
func (s *Scheduler) ScheduleReconcile(schedule string) error {
	if schedule == "" {
		s.logger.Info("[SCHEDULER] reconciliation schedule disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(schedule, s.reconcile); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	s.logger.Info("[SCHEDULER] reconciliation scheduled", zap.String("schedule", schedule))
	return nil
}

func (s *Scheduler) reconcile() {
	report, err := s.reconciler.Run(s.ctx, 0)
	if err != nil {
		s.logger.Error("[SCHEDULER] reconciliation run failed", zap.Error(err))
		return
	}
	if report.Selected > 0 {
		s.logger.Info("[SCHEDULER] reconciliation run finished",
			zap.Int("selected", report.Selected),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("exhausted", report.Exhausted),
			zap.Int("skipped", report.Skipped),
		)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels in-flight runs and waits for them to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("[SCHEDULER] gave up waiting for running jobs")
	}
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
