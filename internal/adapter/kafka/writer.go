package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/river-gauge-service/internal/domain"
	"github.com/couchcryptid/river-gauge-service/internal/observability"
)

const publishTimeout = 10 * time.Second

// Header keys set on every published message.
const (
	HeaderStatus    = "status"
	HeaderUpdatedAt = "updated_at"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces one message per monitored site to a Kafka topic each
// time a new dashboard snapshot is built.
type Publisher struct {
	writer  messageWriter
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewPublisher creates a Kafka producer for the given topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger, metrics: metrics}
}

// Publish writes the snapshot's site readings in a single WriteMessages call.
// Snapshots without readings are ignored.
func (p *Publisher) Publish(ctx context.Context, snap domain.Snapshot) error {
	if !snap.Loaded() || len(snap.Sites) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(snap.Sites))
	for i := range snap.Sites {
		msg, err := serializeToMessage(snap, snap.Sites[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	p.metrics.SnapshotsPublished.Inc()
	return nil
}

// HandleSnapshot publishes snap with its own timeout. It has the signature
// expected by scheduler.Subscribe; failures are logged and counted.
func (p *Publisher) HandleSnapshot(snap domain.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.Publish(ctx, snap); err != nil {
		p.metrics.PublishErrors.Inc()
		p.logger.Error("kafka publish failed", "error", err, "sites", len(snap.Sites))
		return
	}
	p.logger.Debug("snapshot published", "sites", len(snap.Sites))
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// readingMessage is the JSON value of a published message.
type readingMessage struct {
	SiteID      string    `json:"site_id"`
	SiteName    string    `json:"site_name"`
	Value       float64   `json:"value"`
	ReadingTime time.Time `json:"reading_time"`
	Status      string    `json:"status"`
	Day         string    `json:"day"`
	Median      *float64  `json:"median"`
	Min         *float64  `json:"min"`
	Max         *float64  `json:"max"`
	P25         *float64  `json:"p25"`
	P75         *float64  `json:"p75"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// serializeToMessage marshals one site's status into a Kafka message keyed by
// site ID.
func serializeToMessage(snap domain.Snapshot, site domain.SiteStatus) (kafkago.Message, error) {
	m := readingMessage{
		SiteID:      site.SiteID,
		SiteName:    site.SiteName,
		Value:       site.Value,
		ReadingTime: site.Time,
		Status:      string(site.Status),
		Day:         domain.DayKey(snap.Month, snap.Day),
		UpdatedAt:   snap.UpdatedAt,
	}
	if site.Stats != nil {
		m.Median = finite(site.Stats.Median)
		m.Min = finite(site.Stats.Min)
		m.Max = finite(site.Stats.Max)
		m.P25 = finite(site.Stats.P25)
		m.P75 = finite(site.Stats.P75)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize reading for %s: %w", site.SiteID, err)
	}
	return kafkago.Message{
		Key:   []byte(site.SiteID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: HeaderStatus, Value: []byte(site.Status)},
			{Key: HeaderUpdatedAt, Value: []byte(snap.UpdatedAt.Format(time.RFC3339))},
		},
	}, nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
