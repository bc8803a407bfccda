package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stridelabs/gallop/pkg/models"
)

// Publisher sends lifecycle notifications. Components hold this interface so
// event delivery stays optional and swappable in tests.
type Publisher interface {
	PublishDriftAlert(ctx context.Context, alert *models.DriftAlert) error
	PublishJobEvent(ctx context.Context, job *models.RetrainingJob) error
	PublishPromotion(ctx context.Context, event *PromotionMessage) error
	Close() error
}

// KafkaConfig contains configuration for the Kafka connection
type KafkaConfig struct {
	Brokers      []string      `json:"brokers"`
	TopicPrefix  string        `json:"topic_prefix"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	RequiredAcks int           `json:"required_acks"`
	RetryMax     int           `json:"retry_max"`
}

// DefaultKafkaConfig returns defaults sized for the low-volume lifecycle
// event stream.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		TopicPrefix:  "gallop",
		WriteTimeout: 5 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: 1,
		RetryMax:     3,
	}
}

// KafkaPublisher implements Publisher on kafka-go writers, one per topic.
type KafkaPublisher struct {
	config  *KafkaConfig
	source  string
	writers map[Topic]*kafka.Writer
	logger  *zap.SugaredLogger
	mu      sync.RWMutex
}

// NewKafkaPublisher creates a publisher. Writers connect lazily on the first
// publish to their topic.
func NewKafkaPublisher(config *KafkaConfig, source string, logger *zap.SugaredLogger) *KafkaPublisher {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	if source == "" {
		source = "gallop"
	}
	return &KafkaPublisher{
		config:  config,
		source:  source,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger,
	}
}

// fullTopic applies the configured prefix so several deployments can share
// one broker.
func (p *KafkaPublisher) fullTopic(topic Topic) string {
	if p.config.TopicPrefix == "" {
		return string(topic)
	}
	return fmt.Sprintf("%s-%s", p.config.TopicPrefix, topic)
}

// getWriter returns or creates a writer for the specified topic
func (p *KafkaPublisher) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()

	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check pattern
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        p.fullTopic(topic),
		Balancer:     &kafka.CRC32Balancer{},
		BatchTimeout: p.config.BatchTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  p.config.RetryMax,
		Compression:  kafka.Snappy,
	}
	p.writers[topic] = writer
	return writer
}

func (p *KafkaPublisher) publish(ctx context.Context, msgType MessageType, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	writer := p.getWriter(GetTopic(msgType))
	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Errorw("failed to publish event",
			"type", msgType,
			"key", key,
			"error", err)
		return fmt.Errorf("failed to publish %s: %w", msgType, err)
	}
	return nil
}

// PublishDriftAlert wraps a drift alert in its event envelope and sends it.
// Keyed by model so per-model alerts stay ordered.
func (p *KafkaPublisher) PublishDriftAlert(ctx context.Context, alert *models.DriftAlert) error {
	msg := &DriftAlertMessage{
		BaseMessage:        NewBaseMessage(MsgDriftAlertRaised, p.source, alert.AlertID),
		AlertID:            alert.AlertID,
		ModelID:            alert.ModelID,
		AlertType:          alert.AlertType,
		Severity:           alert.Severity,
		DriftMagnitude:     alert.DriftMagnitude,
		Threshold:          alert.Threshold,
		RequiresRetraining: alert.RequiresRetraining,
		Detail:             alert.Message,
	}
	return p.publish(ctx, MsgDriftAlertRaised, alert.ModelID, msg)
}

// PublishJobEvent sends the lifecycle event matching the job's current
// status. Keyed by job so a job's transitions stay ordered.
func (p *KafkaPublisher) PublishJobEvent(ctx context.Context, job *models.RetrainingJob) error {
	msgType := msgTypeForStatus(job.Status)
	msg := &JobEventMessage{
		BaseMessage:     NewBaseMessage(msgType, p.source, job.JobID),
		JobID:           job.JobID,
		ModelID:         job.ModelID,
		TriggerReason:   job.TriggerReason,
		Status:          job.Status,
		NewModelVersion: job.NewModelVersion,
		NDCGImprovement: job.NDCGImprovement,
		Error:           job.Error,
	}
	return p.publish(ctx, msgType, job.JobID, msg)
}

// PublishPromotion announces a promotion. The caller fills the domain
// fields; the envelope is stamped here.
func (p *KafkaPublisher) PublishPromotion(ctx context.Context, event *PromotionMessage) error {
	event.BaseMessage = NewBaseMessage(MsgModelPromoted, p.source, event.TestID)
	return p.publish(ctx, MsgModelPromoted, event.PromotedModel, event)
}

// Close closes all topic writers.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			p.logger.Errorw("failed to close writer", "topic", topic, "error", err)
		}
	}
	return lastErr
}

func msgTypeForStatus(status models.JobStatus) MessageType {
	switch status {
	case models.JobRunning:
		return MsgJobStarted
	case models.JobCompleted:
		return MsgJobCompleted
	case models.JobFailed:
		return MsgJobFailed
	default:
		return MsgJobQueued
	}
}

// NopPublisher drops every event. It stands in when events are disabled.
type NopPublisher struct{}

func (NopPublisher) PublishDriftAlert(context.Context, *models.DriftAlert) error  { return nil }
func (NopPublisher) PublishJobEvent(context.Context, *models.RetrainingJob) error { return nil }
func (NopPublisher) PublishPromotion(context.Context, *PromotionMessage) error    { return nil }
func (NopPublisher) Close() error                                                 { return nil }
