package domain

import (
	"math"
	"time"
)

// Site is a monitored USGS gauge.
type Site struct {
	ID   string
	Name string
}

// MonitoredSites is the fixed set of Barton Creek gauges shown on the dashboard.
var MonitoredSites = []Site{
	{ID: "08155200", Name: "Barton Ck at SH 71"},
	{ID: "08155240", Name: "Barton Ck at Lost Ck Blvd"},
	{ID: "08155300", Name: "Barton Ck at Loop 360"},
	{ID: "08155400", Name: "Barton Ck abv Barton Spgs"},
}

// SiteIDs returns the identifiers of sites in order.
func SiteIDs(sites []Site) []string {
	ids := make([]string, len(sites))
	for i, s := range sites {
		ids[i] = s.ID
	}
	return ids
}

// Reading is the most recent instantaneous gauge height for a site.
type Reading struct {
	SiteID   string
	SiteName string
	Value    float64 // feet
	Time     time.Time
}

// Status compares a reading with the day's historical median.
type Status string

const (
	StatusLow     Status = "low"
	StatusHigh    Status = "high"
	StatusUnknown Status = "unknown"
)

// Label is the user-facing status text.
func (s Status) Label() string {
	switch s {
	case StatusLow:
		return "Low"
	case StatusHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// Classify reports StatusLow when value is below the median and StatusHigh
// when it is at or above it. Missing statistics or a NaN median yield
// StatusUnknown.
func Classify(value float64, stats *StatsSummary) Status {
	if stats == nil || math.IsNaN(stats.Median) || math.IsNaN(value) {
		return StatusUnknown
	}
	if value < stats.Median {
		return StatusLow
	}
	return StatusHigh
}

// SiteStatus is one dashboard card.
type SiteStatus struct {
	Reading
	Stats  *StatsSummary // nil when no statistics exist for today
	Status Status
}

// Snapshot is the complete dashboard state after a refresh cycle.
type Snapshot struct {
	Sites     []SiteStatus
	Month     int // calendar day the statistics were looked up for
	Day       int
	UpdatedAt time.Time // last successful readings fetch
	Error     string    // user-facing error from the most recent cycle, if any
}

// Loaded reports whether any readings have been fetched yet.
func (s Snapshot) Loaded() bool {
	return !s.UpdatedAt.IsZero()
}

// AllBelowMedian reports whether every site is currently below its
// historical median. It is false when any site's status is unknown or when
// there are no sites.
func (s Snapshot) AllBelowMedian() bool {
	if len(s.Sites) == 0 {
		return false
	}
	for _, site := range s.Sites {
		if site.Status != StatusLow {
			return false
		}
	}
	return true
}

// BuildSiteStatuses joins readings with each site's statistics table for the
// given calendar day.
func BuildSiteStatuses(readings []Reading, tables map[string]StatisticsTable, month, day int) []SiteStatus {
	out := make([]SiteStatus, 0, len(readings))
	for _, r := range readings {
		st := SiteStatus{Reading: r}
		if table, ok := tables[r.SiteID]; ok {
			if summary, found := table.StatsForDay(month, day); found {
				st.Stats = &summary
			}
		}
		st.Status = Classify(r.Value, st.Stats)
		out = append(out, st)
	}
	return out
}
