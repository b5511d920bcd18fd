package domain

import "context"

// ReadingSource fetches the latest instantaneous readings.
type ReadingSource interface {
	// FetchReadings returns one reading per site that reported a value.
	FetchReadings(ctx context.Context, siteIDs []string) ([]Reading, error)
}

// StatisticsSource fetches historical daily statistics for one site.
type StatisticsSource interface {
	FetchStatistics(ctx context.Context, siteID string) (StatisticsTable, error)
}
