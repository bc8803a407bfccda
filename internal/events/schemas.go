// Package events publishes model lifecycle notifications to Kafka so
// downstream consumers (dashboards, the prediction serving tier) can react to
// drift alerts, retraining progress and promotions without polling the API.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/stridelabs/gallop/pkg/models"
)

// MessageType defines the type of message being sent
type MessageType string

const (
	// Drift events
	MsgDriftAlertRaised MessageType = "drift.alert_raised"

	// Retraining job events
	MsgJobQueued    MessageType = "job.queued"
	MsgJobStarted   MessageType = "job.started"
	MsgJobCompleted MessageType = "job.completed"
	MsgJobFailed    MessageType = "job.failed"

	// Promotion events
	MsgModelPromoted MessageType = "model.promoted"
)

// Topic defines Kafka topics for different message types
type Topic string

const (
	TopicDriftAlerts    Topic = "drift-alerts"
	TopicRetrainingJobs Topic = "retraining-jobs"
	TopicPromotions     Topic = "model-promotions"
)

// GetTopic returns the appropriate topic for a message type
func GetTopic(msgType MessageType) Topic {
	switch msgType {
	case MsgDriftAlertRaised:
		return TopicDriftAlerts
	case MsgJobQueued, MsgJobStarted, MsgJobCompleted, MsgJobFailed:
		return TopicRetrainingJobs
	case MsgModelPromoted:
		return TopicPromotions
	default:
		return TopicRetrainingJobs
	}
}

// BaseMessage contains common fields for all messages
type BaseMessage struct {
	MessageID     string      `json:"message_id"`
	Type          MessageType `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version"`
	Source        string      `json:"source"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// NewBaseMessage creates a new base message with common fields
func NewBaseMessage(msgType MessageType, source, correlationID string) BaseMessage {
	return BaseMessage{
		MessageID:     uuid.New().String(),
		Type:          msgType,
		Timestamp:     time.Now().UTC(),
		Version:       "1.0",
		Source:        source,
		CorrelationID: correlationID,
	}
}

// DriftAlertMessage notifies consumers that a drift check crossed a threshold.
type DriftAlertMessage struct {
	BaseMessage
	AlertID            string           `json:"alert_id"`
	ModelID            string           `json:"model_id"`
	AlertType          models.AlertType `json:"alert_type"`
	Severity           models.Severity  `json:"severity"`
	DriftMagnitude     float64          `json:"drift_magnitude"`
	Threshold          float64          `json:"threshold"`
	RequiresRetraining bool             `json:"requires_retraining"`
	Detail             string           `json:"detail,omitempty"`
}

// JobEventMessage tracks a retraining job through its lifecycle.
type JobEventMessage struct {
	BaseMessage
	JobID           string               `json:"job_id"`
	ModelID         string               `json:"model_id"`
	TriggerReason   models.TriggerReason `json:"trigger_reason"`
	Status          models.JobStatus     `json:"status"`
	NewModelVersion string               `json:"new_model_version,omitempty"`
	NDCGImprovement float64              `json:"ndcg_improvement,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// PromotionMessage announces that a model took production traffic, either
// from an A/B test conclusion or a pipeline auto-promotion.
type PromotionMessage struct {
	BaseMessage
	TestID        string  `json:"test_id,omitempty"`
	PromotedModel string  `json:"promoted_model"`
	DemotedModel  string  `json:"demoted_model,omitempty"`
	ModelVersion  string  `json:"model_version,omitempty"`
	Improvement   float64 `json:"improvement"`
	Weight        float64 `json:"weight"`
}
