package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/river-gauge-service/internal/domain"
	"github.com/couchcryptid/river-gauge-service/internal/observability"
)

const (
	siteSH71 = "08155200"
	site360  = "08155300"
)

var testSites = []domain.Site{
	{ID: siteSH71, Name: "Barton Ck at SH 71"},
	{ID: site360, Name: "Barton Ck at Loop 360"},
}

// --- mocks ---

type mockReadings struct {
	mu       sync.Mutex
	readings []domain.Reading
	err      error
	calls    atomic.Int32
	entered  chan struct{} // closed-over signal that a fetch started, optional
	release  chan struct{} // blocks the fetch until closed, optional
}

func (m *mockReadings) FetchReadings(_ context.Context, _ []string) ([]domain.Reading, error) {
	m.calls.Add(1)
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readings, m.err
}

func (m *mockReadings) set(readings []domain.Reading, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = readings
	m.err = err
}

type mockStats struct {
	mu     sync.Mutex
	tables map[string]domain.StatisticsTable
	errs   map[string]error
	calls  atomic.Int32
}

func (m *mockStats) FetchStatistics(_ context.Context, siteID string) (domain.StatisticsTable, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[siteID]; err != nil {
		return nil, err
	}
	return m.tables[siteID], nil
}

func (m *mockStats) setErr(siteID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errs == nil {
		m.errs = make(map[string]error)
	}
	m.errs[siteID] = err
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2024, time.June, 15, 17, 0, 0, 0, time.UTC))
}

func defaultReadings() []domain.Reading {
	at := time.Date(2024, time.June, 15, 16, 45, 0, 0, time.UTC)
	return []domain.Reading{
		{SiteID: siteSH71, SiteName: "Barton Ck at SH 71 nr Oak Hill, TX", Value: 2.5, Time: at},
		{SiteID: site360, SiteName: "Barton Ck at Loop 360, Austin, TX", Value: 1.0, Time: at},
	}
}

func defaultTables() map[string]domain.StatisticsTable {
	return map[string]domain.StatisticsTable{
		siteSH71: {"06-15": {Month: 6, Day: 15, Median: 3.2, Min: 1.1, Max: 9.4, P25: 2.0, P75: 4.5}},
		site360:  {"06-15": {Month: 6, Day: 15, Median: 1.5, Min: 0.4, Max: 8.0, P25: 1.0, P75: 2.2}},
	}
}

func newTestScheduler(t *testing.T, r *mockReadings, st *mockStats, clock clockwork.Clock) (*Scheduler, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsForTesting()
	s := New(r, st, Config{
		Sites:    testSites,
		Interval: time.Minute,
		Timeout:  5 * time.Second,
		Location: time.UTC,
		Clock:    clock,
	}, discardLogger(), metrics)
	return s, metrics
}

// --- tests ---

func TestScheduler_RefreshBuildsSnapshot(t *testing.T) {
	r := &mockReadings{readings: defaultReadings()}
	st := &mockStats{tables: defaultTables()}
	clock := fixedClock()
	s, metrics := newTestScheduler(t, r, st, clock)

	require.Error(t, s.CheckReadiness(context.Background()))
	assert.False(t, s.Snapshot().Loaded())

	require.NoError(t, s.Refresh(context.Background()))

	snap := s.Snapshot()
	assert.True(t, snap.Loaded())
	assert.Equal(t, clock.Now(), snap.UpdatedAt)
	assert.Equal(t, 6, snap.Month)
	assert.Equal(t, 15, snap.Day)
	assert.Empty(t, snap.Error)

	require.Len(t, snap.Sites, 2)
	assert.Equal(t, siteSH71, snap.Sites[0].SiteID)
	require.NotNil(t, snap.Sites[0].Stats)
	assert.Equal(t, domain.StatsSummary{Median: 3.2, Min: 1.1, Max: 9.4, P25: 2.0, P75: 4.5}, *snap.Sites[0].Stats)
	assert.Equal(t, domain.StatusLow, snap.Sites[0].Status)
	assert.Equal(t, domain.StatusLow, snap.Sites[1].Status)
	assert.True(t, snap.AllBelowMedian())

	require.NoError(t, s.CheckReadiness(context.Background()))
	assert.Equal(t, int32(2), st.calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RefreshCycles.WithLabelValues("success")), 0)
	assert.InDelta(t, 2.5, testutil.ToFloat64(metrics.SiteLevel.WithLabelValues(siteSH71)), 0)
	assert.InDelta(t, 3.2, testutil.ToFloat64(metrics.SiteMedian.WithLabelValues(siteSH71)), 0)

	table, ok := s.Table(siteSH71)
	require.True(t, ok)
	assert.Contains(t, table, "06-15")
}

func TestScheduler_ReadingsFailureKeepsPreviousData(t *testing.T) {
	r := &mockReadings{readings: defaultReadings()}
	st := &mockStats{tables: defaultTables()}
	clock := fixedClock()
	s, metrics := newTestScheduler(t, r, st, clock)

	require.NoError(t, s.Refresh(context.Background()))
	firstUpdate := s.Snapshot().UpdatedAt

	clock.Advance(time.Minute)
	r.set(nil, errors.New("usgs iv API error: status 503"))

	err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	snap := s.Snapshot()
	assert.Equal(t, ErrMsgReadings, snap.Error)
	assert.Equal(t, firstUpdate, snap.UpdatedAt, "stale readings stay in place")
	require.Len(t, snap.Sites, 2)
	assert.Equal(t, 2.5, snap.Sites[0].Value)
	require.NoError(t, s.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RefreshCycles.WithLabelValues("error")), 0)

	// Recovery clears the error indicator.
	clock.Advance(time.Minute)
	r.set(defaultReadings(), nil)
	require.NoError(t, s.Refresh(context.Background()))
	assert.Empty(t, s.Snapshot().Error)
	assert.Equal(t, clock.Now(), s.Snapshot().UpdatedAt)
}

func TestScheduler_FirstReadingsFailure(t *testing.T) {
	r := &mockReadings{err: errors.New("connection refused")}
	st := &mockStats{tables: defaultTables()}
	s, _ := newTestScheduler(t, r, st, fixedClock())

	require.Error(t, s.Refresh(context.Background()))

	snap := s.Snapshot()
	assert.False(t, snap.Loaded())
	assert.Empty(t, snap.Sites)
	assert.Equal(t, ErrMsgReadings, snap.Error)
	assert.Error(t, s.CheckReadiness(context.Background()))
}

func TestScheduler_PartialStatisticsFailure(t *testing.T) {
	r := &mockReadings{readings: defaultReadings()}
	st := &mockStats{tables: defaultTables()}
	s, metrics := newTestScheduler(t, r, st, fixedClock())

	require.NoError(t, s.Refresh(context.Background()))

	// Loop 360 statistics now fail; its previous table must survive, and
	// SH 71 picks up its new table.
	st.setErr(site360, errors.New("usgs stat API error: status 500"))
	st.mu.Lock()
	st.tables[siteSH71] = domain.StatisticsTable{"06-15": {Month: 6, Day: 15, Median: 2.0}}
	st.mu.Unlock()

	err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), site360)

	snap := s.Snapshot()
	assert.Equal(t, ErrMsgStatistics, snap.Error)
	require.NotNil(t, snap.Sites[0].Stats)
	assert.Equal(t, 2.0, snap.Sites[0].Stats.Median)
	assert.Equal(t, domain.StatusHigh, snap.Sites[0].Status)
	require.NotNil(t, snap.Sites[1].Stats)
	assert.Equal(t, 1.5, snap.Sites[1].Stats.Median)
	assert.False(t, snap.AllBelowMedian())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RefreshCycles.WithLabelValues("partial")), 0)
}

func TestScheduler_NoStatisticsForToday(t *testing.T) {
	r := &mockReadings{readings: defaultReadings()}
	st := &mockStats{tables: map[string]domain.StatisticsTable{
		siteSH71: {"06-14": {Month: 6, Day: 14, Median: 3.0}},
	}}
	s, _ := newTestScheduler(t, r, st, fixedClock())

	require.NoError(t, s.Refresh(context.Background()))

	snap := s.Snapshot()
	for _, site := range snap.Sites {
		assert.Nil(t, site.Stats)
		assert.Equal(t, domain.StatusUnknown, site.Status)
	}
	assert.False(t, snap.AllBelowMedian())
}

func TestScheduler_UsesConfiguredTimeZone(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	r := &mockReadings{readings: defaultReadings()}
	st := &mockStats{tables: defaultTables()}
	s := New(r, st, Config{
		Sites:    testSites,
		Location: chicago,
		// 03:30 UTC on June 16 is the evening of June 15 in Austin.
		Clock: clockwork.NewFakeClockAt(time.Date(2024, time.June, 16, 3, 30, 0, 0, time.UTC)),
	}, discardLogger(), observability.NewMetricsForTesting())

	require.NoError(t, s.Refresh(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, 15, snap.Day)
	assert.NotNil(t, snap.Sites[0].Stats)
}

func TestScheduler_RefreshIsSingleFlight(t *testing.T) {
	r := &mockReadings{
		readings: defaultReadings(),
		entered:  make(chan struct{}, 2),
		release:  make(chan struct{}),
	}
	st := &mockStats{tables: defaultTables()}
	s, metrics := newTestScheduler(t, r, st, fixedClock())

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = s.Refresh(context.Background())
	}()
	<-r.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = s.Refresh(context.Background())
	}()
	// Give the second caller time to join the in-flight cycle.
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), r.calls.Load(), "overlapping refreshes share one fetch")
	assert.Equal(t, int32(2), st.calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RefreshesCoalesced), 0)
}

func TestScheduler_RefreshSurvivesCallerCancellation(t *testing.T) {
	r := &mockReadings{readings: defaultReadings()}
	st := &mockStats{tables: defaultTables()}
	s, _ := newTestScheduler(t, r, st, fixedClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Refresh(ctx))
	assert.True(t, s.Snapshot().Loaded())
}

func TestScheduler_Subscribe(t *testing.T) {
	r := &mockReadings{readings: defaultReadings()}
	st := &mockStats{tables: defaultTables()}
	s, _ := newTestScheduler(t, r, st, fixedClock())

	var got []domain.Snapshot
	unsubscribe := s.Subscribe(func(snap domain.Snapshot) {
		got = append(got, snap)
	})

	require.NoError(t, s.Refresh(context.Background()))
	r.set(nil, errors.New("timeout"))
	require.Error(t, s.Refresh(context.Background()))

	require.Len(t, got, 2, "subscribers see failed cycles too")
	assert.Empty(t, got[0].Error)
	assert.Equal(t, ErrMsgReadings, got[1].Error)

	unsubscribe()
	r.set(defaultReadings(), nil)
	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, got, 2)
}

func TestScheduler_RunRefreshesOnTick(t *testing.T) {
	r := &mockReadings{readings: defaultReadings()}
	st := &mockStats{tables: defaultTables()}
	clock := fixedClock()
	s, metrics := newTestScheduler(t, r, st, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.SchedulerRunning), 0)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return r.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return r.calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.SchedulerRunning), 0)
}
