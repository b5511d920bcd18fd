package usgs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/couchcryptid/river-gauge-service/internal/domain"
	"github.com/couchcryptid/river-gauge-service/internal/observability"
)

// ParameterGaugeHeight is the USGS parameter code for gauge height in feet.
const ParameterGaugeHeight = "00065"

const (
	endpointIV   = "iv"
	endpointStat = "stat"

	maxErrorBody = 512
)

// Client implements domain.ReadingSource and domain.StatisticsSource using
// the USGS Water Services REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a USGS Water Services client. baseURL is the service
// root, e.g. https://waterservices.usgs.gov/nwis.
func NewClient(baseURL string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		metrics: metrics,
		logger:  logger,
	}
}

// FetchReadings returns the latest gauge height for each site in a single
// Instantaneous Values request. Readings are ordered like siteIDs; sites
// that report no value are omitted.
func (c *Client) FetchReadings(ctx context.Context, siteIDs []string) ([]domain.Reading, error) {
	params := url.Values{
		"format":      {"json"},
		"sites":       {strings.Join(siteIDs, ",")},
		"parameterCd": {ParameterGaugeHeight},
	}
	body, err := c.get(ctx, endpointIV, c.baseURL+"/iv/?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var resp ivResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode instantaneous values: %w", err)
	}

	bySite := make(map[string]domain.Reading, len(resp.Value.TimeSeries))
	for _, ts := range resp.Value.TimeSeries {
		r, ok := c.readingFromSeries(ts)
		if !ok {
			continue
		}
		bySite[r.SiteID] = r
	}

	readings := make([]domain.Reading, 0, len(bySite))
	for _, id := range siteIDs {
		if r, ok := bySite[id]; ok {
			readings = append(readings, r)
		}
	}
	return readings, nil
}

// FetchStatistics downloads and parses the daily statistics for one site.
func (c *Client) FetchStatistics(ctx context.Context, siteID string) (domain.StatisticsTable, error) {
	params := url.Values{
		"format":         {"rdb"},
		"sites":          {siteID},
		"statReportType": {"daily"},
		"statTypeCd":     {"all"},
		"parameterCd":    {ParameterGaugeHeight},
	}
	body, err := c.get(ctx, endpointStat, c.baseURL+"/stat/?"+params.Encode())
	if err != nil {
		return nil, err
	}

	table, diag, err := domain.ParseStatisticsWithDiagnostics(string(body))
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", siteID, err)
	}

	c.metrics.StatsRowsSkipped.WithLabelValues("field_count").Add(float64(diag.SkippedFieldCount))
	c.metrics.StatsRowsSkipped.WithLabelValues("invalid_day").Add(float64(diag.SkippedInvalidDay))
	c.metrics.StatsRowsSkipped.WithLabelValues("overwritten").Add(float64(diag.Overwritten))
	c.logger.Debug("parsed daily statistics",
		"site_id", siteID,
		"days", len(table),
		"data_rows", diag.DataRows,
		"skipped", diag.Skipped(),
		"overwritten", diag.Overwritten,
	)
	return table, nil
}

func (c *Client) get(ctx context.Context, endpoint, fullURL string) ([]byte, error) {
	start := time.Now()
	body, err := c.doRequest(ctx, endpoint, fullURL)
	c.metrics.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	c.metrics.UpstreamRequests.WithLabelValues(endpoint, "success").Inc()
	return body, nil
}

func (c *Client) doRequest(ctx context.Context, endpoint, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("usgs %s API error: status %d: %s", endpoint, resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return body, nil
}

func (c *Client) readingFromSeries(ts timeSeries) (domain.Reading, bool) {
	if len(ts.SourceInfo.SiteCode) == 0 || len(ts.Values) == 0 || len(ts.Values[0].Value) == 0 {
		return domain.Reading{}, false
	}
	siteID := ts.SourceInfo.SiteCode[0].Value
	latest := ts.Values[0].Value[0]

	value, err := strconv.ParseFloat(strings.TrimSpace(latest.Value), 64)
	if err != nil {
		c.logger.Warn("unparseable gauge reading", "site_id", siteID, "value", latest.Value)
		return domain.Reading{}, false
	}
	if ts.Variable.NoDataValue != nil && value == *ts.Variable.NoDataValue {
		return domain.Reading{}, false
	}

	at, err := time.Parse(time.RFC3339, latest.DateTime)
	if err != nil {
		c.logger.Warn("unparseable reading timestamp", "site_id", siteID, "date_time", latest.DateTime)
		return domain.Reading{}, false
	}

	return domain.Reading{
		SiteID:   siteID,
		SiteName: ts.SourceInfo.SiteName,
		Value:    value,
		Time:     at,
	}, true
}

// Instantaneous Values (WaterML-JSON) response types.

type ivResponse struct {
	Value struct {
		TimeSeries []timeSeries `json:"timeSeries"`
	} `json:"value"`
}

type timeSeries struct {
	SourceInfo sourceInfo     `json:"sourceInfo"`
	Variable   variable       `json:"variable"`
	Values     []seriesValues `json:"values"`
}

type sourceInfo struct {
	SiteName string     `json:"siteName"`
	SiteCode []siteCode `json:"siteCode"`
}

type siteCode struct {
	Value      string `json:"value"`
	AgencyCode string `json:"agencyCode"`
}

type variable struct {
	NoDataValue *float64 `json:"noDataValue"`
}

type seriesValues struct {
	Value []pointValue `json:"value"`
}

type pointValue struct {
	Value    string `json:"value"`
	DateTime string `json:"dateTime"` // e.g. 2024-06-15T10:15:00.000-05:00
}
