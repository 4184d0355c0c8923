package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hupe1980/vecproj/model"
)

// DriftChecker is the subset of the engine the scheduler needs.
type DriftChecker interface {
	CheckDriftAll(ctx context.Context) ([]model.ConfigID, error)
}

// DriftScheduler runs periodic drift checks on a cron schedule.
type DriftScheduler struct {
	checker DriftChecker
	logger  *zap.Logger
	timeout time.Duration
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
	lastRun time.Time
	drifted []model.ConfigID
}

// NewDriftScheduler parses schedule (standard five-field cron or @every
// descriptors) and returns a stopped scheduler. timeout bounds one run;
// zero means no limit.
func NewDriftScheduler(checker DriftChecker, schedule string, timeout time.Duration, logger *zap.Logger) (*DriftScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DriftScheduler{
		checker: checker,
		logger:  logger,
		timeout: timeout,
		cron:    cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunNow(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid drift schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling. Calling it twice is a no-op.
func (s *DriftScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// Stop halts scheduling and waits for an in-flight run, bounded by ctx.
func (s *DriftScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("drift scheduler stop timed out")
	}
}

// RunNow performs a single drift check across all configs.
func (s *DriftScheduler) RunNow(ctx context.Context) []model.ConfigID {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	drifted, err := s.checker.CheckDriftAll(ctx)
	if err != nil {
		s.logger.Warn("drift check failed", zap.Error(err))
	}
	for _, id := range drifted {
		s.logger.Info("index drift detected", zap.String("config_id", id.Short()))
	}
	s.logger.Debug("drift check completed", zap.Int("drifted", len(drifted)), zap.Duration("duration", time.Since(start)))

	s.mu.Lock()
	s.lastRun = start
	s.drifted = drifted
	s.mu.Unlock()
	return drifted
}

// LastRun returns the start time and drifted configs of the latest run.
func (s *DriftScheduler) LastRun() (time.Time, []model.ConfigID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, append([]model.ConfigID(nil), s.drifted...)
}
