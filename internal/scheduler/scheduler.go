package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/river-gauge-service/internal/domain"
	"github.com/couchcryptid/river-gauge-service/internal/observability"
)

// User-facing error indicators set on the snapshot after a failed cycle.
const (
	ErrMsgReadings   = "Unable to load water levels"
	ErrMsgStatistics = "Unable to load historical statistics"
)

const refreshKey = "refresh"

// Config controls which sites are polled and how often.
type Config struct {
	Sites    []domain.Site
	Interval time.Duration
	Timeout  time.Duration  // upper bound for one refresh cycle
	Location *time.Location // time zone used to pick "today" for statistics
	Clock    clockwork.Clock
}

// Scheduler periodically refreshes live readings and daily statistics and
// holds the resulting dashboard snapshot.
type Scheduler struct {
	readings domain.ReadingSource
	stats    domain.StatisticsSource
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics

	group singleflight.Group
	ready atomic.Bool

	mu        sync.RWMutex
	latest    []domain.Reading
	updatedAt time.Time
	tables    map[string]domain.StatisticsTable
	snapshot  domain.Snapshot

	subMu   sync.Mutex
	subs    map[int]func(domain.Snapshot)
	nextSub int
}

// New creates a Scheduler. Zero Interval and Timeout fall back to 15m and
// 30s; a nil Clock uses the real clock.
func New(readings domain.ReadingSource, stats domain.StatisticsSource, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Scheduler{
		readings: readings,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tables:   make(map[string]domain.StatisticsTable),
		subs:     make(map[int]func(domain.Snapshot)),
	}
}

// CheckReadiness returns nil once live readings have been fetched at least once.
func (s *Scheduler) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("no water level readings loaded yet")
	}
	return nil
}

// Snapshot returns the current dashboard state. Snapshots are replaced, never
// mutated, so the returned value is safe to read concurrently.
func (s *Scheduler) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Table returns the most recently fetched statistics table for a site.
func (s *Scheduler) Table(siteID string) (domain.StatisticsTable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[siteID]
	return t, ok
}

// Subscribe registers fn to be called with every new snapshot. Callbacks run
// synchronously on the refreshing goroutine. The returned function removes
// the subscription.
func (s *Scheduler) Subscribe(fn func(domain.Snapshot)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "sites", len(s.cfg.Sites))
	s.metrics.SchedulerRunning.Set(1)
	defer s.metrics.SchedulerRunning.Set(0)

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Cycle errors are logged and recorded on the snapshot by refresh.
	_ = s.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			_ = s.Refresh(ctx)
		}
	}
}

// Refresh runs one fetch cycle. A call made while a cycle is already in
// flight waits for that cycle and shares its result instead of starting a
// new one, so a slow response can never overwrite a newer one.
func (s *Scheduler) Refresh(ctx context.Context) error {
	leader := false
	_, err, _ := s.group.Do(refreshKey, func() (any, error) {
		leader = true
		return nil, s.refresh(ctx)
	})
	if !leader {
		s.metrics.RefreshesCoalesced.Inc()
	}
	return err
}

func (s *Scheduler) refresh(ctx context.Context) error {
	// Callers joining this cycle must not be affected by the leader's
	// cancellation, so the cycle is bounded by its own timeout instead.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	logger := s.logger.With("cycle_id", uuid.NewString())
	start := s.cfg.Clock.Now()

	var (
		readings    []domain.Reading
		tables      map[string]domain.StatisticsTable
		readingsErr error
		statsErr    error
	)

	var wg conc.WaitGroup
	wg.Go(func() {
		readings, readingsErr = s.readings.FetchReadings(ctx, domain.SiteIDs(s.cfg.Sites))
	})
	wg.Go(func() {
		tables, statsErr = s.fetchAllStatistics(ctx)
	})
	wg.Wait()

	snap := s.apply(readings, readingsErr, tables, statsErr)

	outcome := "success"
	switch {
	case readingsErr != nil:
		outcome = "error"
		logger.Error("fetch water levels failed", "error", readingsErr)
	case statsErr != nil:
		outcome = "partial"
	}
	if statsErr != nil {
		logger.Warn("fetch daily statistics failed", "error", statsErr, "sites_loaded", len(tables))
	}

	s.metrics.RefreshCycles.WithLabelValues(outcome).Inc()
	s.metrics.RefreshDuration.Observe(s.cfg.Clock.Since(start).Seconds())
	s.recordSiteMetrics(snap)

	logger.Info("refresh complete",
		"outcome", outcome,
		"readings", len(readings),
		"stats_sites", len(tables),
		"all_below_median", snap.AllBelowMedian(),
	)

	s.notify(snap)
	return errors.Join(readingsErr, statsErr)
}

type siteTable struct {
	siteID string
	table  domain.StatisticsTable
}

// fetchAllStatistics downloads statistics for every site concurrently. Tables
// that loaded are returned even when other sites failed.
func (s *Scheduler) fetchAllStatistics(ctx context.Context) (map[string]domain.StatisticsTable, error) {
	p := pool.NewWithResults[siteTable]().WithContext(ctx)
	for _, site := range s.cfg.Sites {
		p.Go(func(ctx context.Context) (siteTable, error) {
			table, err := s.stats.FetchStatistics(ctx, site.ID)
			if err != nil {
				return siteTable{}, fmt.Errorf("statistics for %s: %w", site.ID, err)
			}
			return siteTable{siteID: site.ID, table: table}, nil
		})
	}
	results, err := p.Wait()

	out := make(map[string]domain.StatisticsTable, len(results))
	for _, r := range results {
		if r.siteID == "" {
			continue
		}
		out[r.siteID] = r.table
	}
	return out, err
}

// apply merges a cycle's results into the held state. Failed fetches keep
// the previous readings or tables in place.
func (s *Scheduler) apply(readings []domain.Reading, readingsErr error, tables map[string]domain.StatisticsTable, statsErr error) domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if readingsErr == nil {
		s.latest = readings
		s.updatedAt = s.cfg.Clock.Now()
		s.ready.Store(true)
	}
	for id, t := range tables {
		s.tables[id] = t
	}

	month, day := domain.CalendarDay(s.cfg.Clock, s.cfg.Location)
	snap := domain.Snapshot{
		Sites:     domain.BuildSiteStatuses(s.latest, s.tables, month, day),
		Month:     month,
		Day:       day,
		UpdatedAt: s.updatedAt,
	}
	switch {
	case readingsErr != nil:
		snap.Error = ErrMsgReadings
	case statsErr != nil:
		snap.Error = ErrMsgStatistics
	}

	s.snapshot = snap
	return snap
}

func (s *Scheduler) recordSiteMetrics(snap domain.Snapshot) {
	for _, site := range snap.Sites {
		s.metrics.SiteLevel.WithLabelValues(site.SiteID).Set(site.Value)
		if site.Stats != nil {
			s.metrics.SiteMedian.WithLabelValues(site.SiteID).Set(site.Stats.Median)
		}
	}
}

func (s *Scheduler) notify(snap domain.Snapshot) {
	s.subMu.Lock()
	fns := make([]func(domain.Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
