package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Leafline/compliance-sync/e"
	qmodel "github.com/Leafline/compliance-sync/queue/model"
)

const (
	// DefaultJobEventTopic where job lifecycle events are published
	DefaultJobEventTopic = "compliance-sync.job-events"

	ECode070201 = e.Code0702 + "01"
	ECode070202 = e.Code0702 + "02"
	ECode070203 = e.Code0702 + "03"
)

// JobEvent the lifecycle event emitted when a sync job reaches a terminal
// state or fails a run
type JobEvent struct {
	JobID           int       `json:"jobId"`
	LicenseID       int       `json:"licenseId"`
	LicenseNumber   string    `json:"licenseNumber"`
	Direction       string    `json:"direction"`
	RunToken        string    `json:"runToken"`
	Status          string    `json:"status"`
	TotalItems      int       `json:"totalItems"`
	ProcessedItems  int       `json:"processedItems"`
	SuccessfulItems int       `json:"successfulItems"`
	FailedItems     int       `json:"failedItems"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// JobEventPublisher publishes job lifecycle events to a kafka topic. Events
// for the same license are keyed by license number so consumers see them in
// order.
type JobEventPublisher struct {
	writer *kafka.Writer
}

// NewJobEventPublisher creates the topic if needed and returns a publisher
// writing to it
func NewJobEventPublisher(c *Connection, topic string) (p *JobEventPublisher, err error) {
	if topic == "" {
		topic = DefaultJobEventTopic
	}

	if err := c.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}); err != nil {
		return nil, e.W(err, ECode070201)
	}

	return &JobEventPublisher{
		writer: c.NewWriter(topic),
	}, nil
}

// PublishJobEvent implements worker.Publisher
func (p *JobEventPublisher) PublishJobEvent(ctx context.Context,
	sj *qmodel.SyncJob, licenseNumber string) (err error) {
	ev := &JobEvent{
		JobID:           sj.ID,
		LicenseID:       sj.LicenseID,
		LicenseNumber:   licenseNumber,
		Direction:       sj.Direction,
		RunToken:        sj.RunToken,
		Status:          sj.Status,
		TotalItems:      sj.TotalItems,
		ProcessedItems:  sj.ProcessedItems,
		SuccessfulItems: sj.SuccessfulItems,
		FailedItems:     sj.FailedItems,
		ErrorMessage:    sj.ErrorMessage,
		OccurredAt:      time.Now(),
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return e.W(err, ECode070202)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(licenseNumber),
		Value: b,
	}); err != nil {
		return e.W(err, ECode070203)
	}

	return nil
}

// Close flushes and closes the underlying writer
func (p *JobEventPublisher) Close() (err error) {
	if err := p.writer.Close(); err != nil {
		return e.W(err, ECode070202)
	}

	return nil
}
