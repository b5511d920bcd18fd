package http

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/river-gauge-service/internal/domain"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

// Dashboard is the state the server renders. It is implemented by
// scheduler.Scheduler.
type Dashboard interface {
	sharedobs.ReadinessChecker
	Snapshot() domain.Snapshot
	Table(siteID string) (domain.StatisticsTable, bool)
	Refresh(ctx context.Context) error
}

// Options customizes the rendered dashboard.
type Options struct {
	Title           string
	RefreshInterval time.Duration  // browser auto-refresh period
	Location        *time.Location // time zone for displayed timestamps
}

// Server exposes the dashboard, its JSON API, and health, readiness, and
// metrics endpoints.
type Server struct {
	httpServer *http.Server
	dash       Dashboard
	opts       Options
	page       *template.Template
	logger     *slog.Logger
}

// NewServer creates an HTTP server with dashboard, API, /healthz, /readyz,
// and /metrics routes.
func NewServer(addr string, dash Dashboard, opts Options, logger *slog.Logger) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		dash:   dash,
		opts:   opts,
		page:   template.Must(template.New("dashboard.html.tmpl").Funcs(templateFuncs(opts.Location)).ParseFS(templateFS, "templates/dashboard.html.tmpl")),
		logger: logger,
	}

	r.Get("/", s.handleDashboard)
	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(dash))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/gauges", s.handleGauges)
		r.Get("/gauges/{siteID}/stats", s.handleSiteStats)
		r.Post("/refresh", s.handleRefresh)
	})

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleGauges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newSnapshotResponse(s.dash.Snapshot()))
}

func (s *Server) handleSiteStats(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	month, day, err := s.requestedDay(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	table, ok := s.dash.Table(siteID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no statistics loaded for site " + siteID})
		return
	}
	stats, ok := table.StatsForDay(month, day)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no statistics for " + domain.DayKey(month, day)})
		return
	}

	writeJSON(w, http.StatusOK, dayStatsResponse{
		SiteID:        siteID,
		Day:           domain.DayKey(month, day),
		statsResponse: newStatsResponse(stats),
	})
}

// requestedDay reads month and day query parameters, defaulting both to the
// snapshot's current day when neither is given.
func (s *Server) requestedDay(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	if q.Get("month") == "" && q.Get("day") == "" {
		snap := s.dash.Snapshot()
		if snap.Month == 0 {
			return 0, 0, errBadDay("month and day are required until the first refresh completes")
		}
		return snap.Month, snap.Day, nil
	}

	month, err := strconv.Atoi(q.Get("month"))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, errBadDay("month must be an integer between 1 and 12")
	}
	day, err := strconv.Atoi(q.Get("day"))
	if err != nil || day < 1 || day > 31 {
		return 0, 0, errBadDay("day must be an integer between 1 and 31")
	}
	return month, day, nil
}

type errBadDay string

func (e errBadDay) Error() string { return string(e) }

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.dash.Refresh(r.Context()); err != nil {
		s.logger.Warn("manual refresh failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(s.dash.Snapshot()))
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	snap := s.dash.Snapshot()
	data := pageData{
		Title:          s.opts.Title,
		Snapshot:       snap,
		AllBelow:       snap.AllBelowMedian(),
		RefreshSeconds: int(s.opts.RefreshInterval.Seconds()),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, data); err != nil {
		s.logger.Error("render dashboard failed", "error", err)
	}
}

type pageData struct {
	Title          string
	Snapshot       domain.Snapshot
	AllBelow       bool
	RefreshSeconds int
}

func templateFuncs(loc *time.Location) template.FuncMap {
	return template.FuncMap{
		"level": func(v float64) string {
			return strconv.FormatFloat(v, 'f', 1, 64) + "'"
		},
		"localTime": func(t time.Time) string {
			return t.In(loc).Format("Jan 2, 2006 3:04 PM MST")
		},
		"siteURL": func(siteID string) string {
			return "https://waterdata.usgs.gov/monitoring-location/" + siteID
		},
	}
}

// API response types. NaN statistics are encoded as null.

type snapshotResponse struct {
	Sites          []siteResponse `json:"sites"`
	Day            string         `json:"day,omitempty"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
	AllBelowMedian bool           `json:"all_below_median"`
	Error          string         `json:"error,omitempty"`
}

type siteResponse struct {
	SiteID      string         `json:"site_id"`
	SiteName    string         `json:"site_name"`
	Value       float64        `json:"value"`
	ReadingTime time.Time      `json:"reading_time"`
	Status      domain.Status  `json:"status"`
	Stats       *statsResponse `json:"stats,omitempty"`
}

type statsResponse struct {
	Median *float64 `json:"median"`
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	P25    *float64 `json:"p25"`
	P75    *float64 `json:"p75"`
}

type dayStatsResponse struct {
	SiteID string `json:"site_id"`
	Day    string `json:"day"`
	statsResponse
}

func newSnapshotResponse(snap domain.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		Sites:          make([]siteResponse, 0, len(snap.Sites)),
		AllBelowMedian: snap.AllBelowMedian(),
		Error:          snap.Error,
	}
	if snap.Month != 0 {
		resp.Day = domain.DayKey(snap.Month, snap.Day)
	}
	if snap.Loaded() {
		updated := snap.UpdatedAt
		resp.UpdatedAt = &updated
	}
	for _, site := range snap.Sites {
		sr := siteResponse{
			SiteID:      site.SiteID,
			SiteName:    site.SiteName,
			Value:       site.Value,
			ReadingTime: site.Time,
			Status:      site.Status,
		}
		if site.Stats != nil {
			stats := newStatsResponse(*site.Stats)
			sr.Stats = &stats
		}
		resp.Sites = append(resp.Sites, sr)
	}
	return resp
}

func newStatsResponse(s domain.StatsSummary) statsResponse {
	return statsResponse{
		Median: finite(s.Median),
		Min:    finite(s.Min),
		Max:    finite(s.Max),
		P25:    finite(s.P25),
		P75:    finite(s.P75),
	}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
