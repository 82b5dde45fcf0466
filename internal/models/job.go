package models

import (
	"time"

	"github.com/goccy/go-json"
)

// JobStatus enumerates lifecycle states of a queued job.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusDead      JobStatus = "dead"
)

// QueueName identifies one of the fixed pipeline queues.
type QueueName string

const (
	QueueStream       QueueName = "stream"
	QueueWebhook      QueueName = "webhook"
	QueueScoring      QueueName = "scoring"
	QueueNotification QueueName = "notification"
)

// Queues lists every registered queue in pipeline order.
var Queues = []QueueName{QueueStream, QueueWebhook, QueueScoring, QueueNotification}

// JobType identifies a payload variant within a queue.
type JobType string

const (
	JobStreamMatch     JobType = "stream.match"
	JobAccountActivity JobType = "webhook.account_activity"
	JobScoreCandidate  JobType = "scoring.candidate"
	JobDeliverAlert    JobType = "notification.deliver"
)

// queueJobTypes declares the job variants each queue accepts.
var queueJobTypes = map[QueueName][]JobType{
	QueueStream:       {JobStreamMatch},
	QueueWebhook:      {JobAccountActivity},
	QueueScoring:      {JobScoreCandidate},
	QueueNotification: {JobDeliverAlert},
}

// Valid reports whether q is a registered queue.
func (q QueueName) Valid() bool {
	_, ok := queueJobTypes[q]
	return ok
}

// JobTypes returns the job variants declared for q.
func (q QueueName) JobTypes() []JobType {
	return append([]JobType(nil), queueJobTypes[q]...)
}

// Accepts reports whether jobType is declared for q.
func (q QueueName) Accepts(jobType JobType) bool {
	for _, t := range queueJobTypes[q] {
		if t == jobType {
			return true
		}
	}
	return false
}

// Job is a unit of work persisted in the queue store.
type Job struct {
	ID          string          `json:"id"`
	Queue       QueueName       `json:"queue"`
	Type        JobType         `json:"type"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Seq         int64           `json:"seq"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "empty"}
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return &PermanentRejectionError{Reason: "malformed payload", Err: err}
	}
	return nil
}

// QueueStats is a point-in-time snapshot of a queue.
type QueueStats struct {
	Queue     QueueName `json:"queue"`
	Waiting   int64     `json:"waiting"`
	Active    int64     `json:"active"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	Delayed   int64     `json:"delayed"`
	Paused    bool      `json:"paused"`
}
