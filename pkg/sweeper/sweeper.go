// Package sweeper periodically reclaims expired cache entries and finished
// rate-limit windows.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/agentgate/pkg/cache"
	"github.com/pario-ai/agentgate/pkg/metrics"
	"github.com/pario-ai/agentgate/pkg/models"
	"github.com/pario-ai/agentgate/pkg/ratelimit"
)

// Sweeper deletes expired rows on a fixed period.
type Sweeper struct {
	store     cache.Store
	limiter   *ratelimit.Limiter
	interval  time.Duration
	retention time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu   sync.Mutex
	last models.SweepReport

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithMetrics counts reclaimed rows on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger sets the logger for run reports.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// New creates a Sweeper. Windows are kept for retention past their end.
func New(store cache.Store, limiter *ratelimit.Limiter, interval, retention time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		limiter:   limiter,
		interval:  interval,
		retention: retention,
		logger:    zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce sweeps the cache and the window store concurrently. A failure in
// one does not stop the other; both are recorded in the report and retried
// on the next run.
func (s *Sweeper) RunOnce(ctx context.Context) models.SweepReport {
	report := models.SweepReport{StartedAt: time.Now().UTC()}

	var g errgroup.Group
	g.Go(func() error {
		n, err := s.store.SweepExpired(ctx)
		report.CacheEntries = n
		if err != nil {
			report.CacheError = err.Error()
		}
		return nil
	})
	g.Go(func() error {
		n, err := s.limiter.Sweep(ctx, s.retention)
		report.Windows = n
		if err != nil {
			report.WindowError = err.Error()
		}
		return nil
	})
	_ = g.Wait()
	report.Duration = time.Since(report.StartedAt)

	s.metrics.Reclaimed("cache", report.CacheEntries)
	s.metrics.Reclaimed("windows", report.Windows)

	fields := []zap.Field{
		zap.Int64("cache_entries", report.CacheEntries),
		zap.Int64("windows", report.Windows),
		zap.Duration("duration", report.Duration),
	}
	if report.CacheError != "" || report.WindowError != "" {
		s.logger.Warn("sweep incomplete", append(fields,
			zap.String("cache_error", report.CacheError),
			zap.String("window_error", report.WindowError))...)
	} else {
		s.logger.Info("sweep finished", fields...)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report
}

// Last returns the report of the most recent run.
func (s *Sweeper) Last() models.SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start runs the sweep every interval until Close is called.
// A non-positive interval disables the loop.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

// Close stops the loop and waits for an in-flight run to finish.
func (s *Sweeper) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.RunOnce(ctx)
			cancel()
		}
	}
}
