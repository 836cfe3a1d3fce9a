package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

const (
	// DefaultScanSpec runs a scan once a day.
	DefaultScanSpec = "@every 24h"

	// DefaultScanTimeout bounds a single scheduled scan.
	DefaultScanTimeout = 30 * time.Minute
)

// ErrScanInProgress is returned by RunNow while another scan is running.
var ErrScanInProgress = errors.New("scan already in progress")

// ScanRunner is implemented by Scanner.
type ScanRunner interface {
	Scan(ctx context.Context) (*ScanReport, error)
}

// SchedulerConfig configures the periodic scan.
type SchedulerConfig struct {
	// Spec is a robfig/cron spec such as "@every 24h" or "0 3 * * *".
	Spec    string
	Timeout time.Duration
}

// Scheduler runs scans on a cron schedule. At most one scan runs at a time;
// ticks that arrive while a scan is running are skipped.
type Scheduler struct {
	runner  ScanRunner
	cron    *cron.Cron
	timeout time.Duration
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler parses the spec and registers the scan job. The scheduler does
// not start until Start is called.
func NewScheduler(runner ScanRunner, cfg SchedulerConfig, logger zerolog.Logger, metrics *observability.Metrics) (*Scheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultScanSpec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultScanTimeout
	}

	s := &Scheduler{
		runner:  runner,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		metrics: metrics,
		ctx:     context.Background(),
	}
	s.cron = cron.New(cron.WithLogger(cronLogger{logger: s.logger}))

	if _, err := s.cron.AddFunc(cfg.Spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", cfg.Spec, err)
	}
	return s, nil
}

// Start begins running the schedule. Scans started by the schedule are
// cancelled when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info().Time("next_run", e.Next).Msg("scan scheduler started")
	}
}

// Stop halts the schedule, cancels a running scan and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scan scheduler stopped")
}

// RunNow runs a scan immediately in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context) (*ScanReport, error) {
	if !s.acquire() {
		return nil, ErrScanInProgress
	}
	defer s.release()
	return s.run(ctx)
}

func (s *Scheduler) tick() {
	if !s.acquire() {
		s.logger.Warn().Msg("previous scan still running, skipping")
		s.record("skipped")
		return
	}
	defer s.release()

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	_, _ = s.run(parent)
}

func (s *Scheduler) run(parent context.Context) (*ScanReport, error) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	report, err := s.runner.Scan(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scan failed")
		s.record("error")
		return report, err
	}
	s.record("success")
	return report, nil
}

func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordScanRun(outcome)
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
