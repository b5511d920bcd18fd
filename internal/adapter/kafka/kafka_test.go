package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/river-gauge-service/internal/domain"
	"github.com/couchcryptid/river-gauge-service/internal/observability"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	calls  int
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func testPublisher(w messageWriter) (*Publisher, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	return &Publisher{
		writer:  w,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: m,
	}, m
}

var updatedAt = time.Date(2024, time.June, 15, 15, 20, 0, 0, time.UTC)

func testSnapshot() domain.Snapshot {
	readAt := time.Date(2024, time.June, 15, 15, 15, 0, 0, time.UTC)
	stats := domain.StatsSummary{Median: 3.2, Min: 1.1, Max: 9.4, P25: 2.0, P75: math.NaN()}
	return domain.Snapshot{
		Sites: []domain.SiteStatus{
			{
				Reading: domain.Reading{SiteID: "08155200", SiteName: "Barton Ck at SH 71", Value: 2.71, Time: readAt},
				Stats:   &stats,
				Status:  domain.StatusLow,
			},
			{
				Reading: domain.Reading{SiteID: "08155300", SiteName: "Barton Ck at Loop 360", Value: 1.87, Time: readAt},
				Status:  domain.StatusUnknown,
			},
		},
		Month:     6,
		Day:       15,
		UpdatedAt: updatedAt,
	}
}

func TestSerializeToMessage(t *testing.T) {
	snap := testSnapshot()

	msg, err := serializeToMessage(snap, snap.Sites[0])
	require.NoError(t, err)

	assert.Equal(t, []byte("08155200"), msg.Key)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, HeaderStatus, msg.Headers[0].Key)
	assert.Equal(t, []byte("low"), msg.Headers[0].Value)
	assert.Equal(t, HeaderUpdatedAt, msg.Headers[1].Key)
	assert.Equal(t, []byte(updatedAt.Format(time.RFC3339)), msg.Headers[1].Value)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "08155200", body["site_id"])
	assert.Equal(t, "Barton Ck at SH 71", body["site_name"])
	assert.Equal(t, 2.71, body["value"])
	assert.Equal(t, "low", body["status"])
	assert.Equal(t, "06-15", body["day"])
	assert.Equal(t, 3.2, body["median"])
	assert.Equal(t, 1.1, body["min"])
	assert.Equal(t, 9.4, body["max"])
	assert.Equal(t, 2.0, body["p25"])
	assert.Nil(t, body["p75"], "NaN statistics serialize as null")
	assert.Equal(t, "2024-06-15T15:20:00Z", body["updated_at"])
}

func TestSerializeToMessage_NoStats(t *testing.T) {
	snap := testSnapshot()

	msg, err := serializeToMessage(snap, snap.Sites[1])
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "unknown", body["status"])
	for _, key := range []string{"median", "min", "max", "p25", "p75"} {
		assert.Contains(t, body, key)
		assert.Nil(t, body[key])
	}
	assert.Equal(t, []byte("unknown"), msg.Headers[0].Value)
}

func TestPublish_OneMessagePerSite(t *testing.T) {
	w := &fakeWriter{}
	p, m := testPublisher(w)

	require.NoError(t, p.Publish(context.Background(), testSnapshot()))

	assert.Equal(t, 1, w.calls, "all sites are written in one batch")
	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("08155200"), w.msgs[0].Key)
	assert.Equal(t, []byte("08155300"), w.msgs[1].Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsPublished))
}

func TestPublish_SkipsUnloadedSnapshot(t *testing.T) {
	w := &fakeWriter{}
	p, m := testPublisher(w)

	require.NoError(t, p.Publish(context.Background(), domain.Snapshot{Error: "Unable to load water levels"}))

	assert.Equal(t, 0, w.calls)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SnapshotsPublished))
}

func TestPublish_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p, _ := testPublisher(w)

	err := p.Publish(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestHandleSnapshot_CountsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p, m := testPublisher(w)

	p.HandleSnapshot(testSnapshot())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SnapshotsPublished))
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	p, _ := testPublisher(w)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
