// Package queue moves queued jobs to background workers over NATS JetStream.
// Each engine class has its own subject so that slow alternate-engine jobs do
// not hold back primary-engine jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const streamMaxAge = 7 * 24 * time.Hour

var (
	// ErrMalformedEvent indicates a message that is not a JobQueuedEvent.
	ErrMalformedEvent = errors.New("malformed job event")
	// ErrMissingJobID indicates an event without a job id.
	ErrMissingJobID = errors.New("job event has no job id")
)

// JobQueuedEvent announces that a job is ready to run.
type JobQueuedEvent struct {
	Header  events.EventHeader `json:"header"`
	JobID   string             `json:"job_id"`
	VoiceID string             `json:"voice_id"`
	Engine  core.EngineKind    `json:"engine"`
}

// Subject returns the subject for jobs of the engine class kind.
func Subject(prefix string, kind core.EngineKind) string {
	return prefix + "." + string(kind)
}

// EnsureStream creates the job stream covering both engine classes, or
// updates its subjects when it already exists.
func EnsureStream(jetstreamContext nats.JetStreamContext, stream, prefix string) error {
	cfg := &nats.StreamConfig{
		Name:        stream,
		Description: "Queued narration jobs.",
		Subjects: []string{
			Subject(prefix, core.EnginePrimary),
			Subject(prefix, core.EngineAlternate),
		},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		MaxAge:     streamMaxAge,
		Duplicates: time.Minute,
		Replicas:   1,
	}

	_, err := jetstreamContext.AddStream(cfg)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create job stream '%s': %w", stream, err)
	}

	_, err = jetstreamContext.UpdateStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to update job stream '%s': %w", stream, err)
	}

	return nil
}

// Publisher publishes JobQueuedEvents. It implements core.JobQueue.
type Publisher struct {
	jetstreamContext nats.JetStreamContext
	prefix           string
	now              func() time.Time
}

// NewPublisher creates a publisher for subjects under prefix.
func NewPublisher(jetstreamContext nats.JetStreamContext, prefix string) *Publisher {
	return &Publisher{
		jetstreamContext: jetstreamContext,
		prefix:           prefix,
		now:              time.Now,
	}
}

// Publish hands job to the workers of the engine class. The job id is used as
// the message id, so publishing the same job twice within the stream's
// duplicate window is stored once.
func (p *Publisher) Publish(ctx context.Context, job core.Job, engine core.EngineKind) error {
	event := JobQueuedEvent{
		Header: events.EventHeader{
			Timestamp:  p.now().UTC(),
			WorkflowID: job.ID,
			EventID:    uuid.NewString(),
			UserID:     job.UserID,
			TenantID:   "",
		},
		JobID:   job.ID,
		VoiceID: job.VoiceID,
		Engine:  engine,
	}

	data, err := sonic.Marshal(&event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	subject := Subject(p.prefix, engine)

	_, err = p.jetstreamContext.Publish(subject, data, nats.Context(ctx), nats.MsgId(job.ID))
	if err != nil {
		return fmt.Errorf("failed to publish job %s to %s: %w", job.ID, subject, err)
	}

	return nil
}

// DecodeEvent parses and validates a JobQueuedEvent.
func DecodeEvent(data []byte) (JobQueuedEvent, error) {
	var event JobQueuedEvent

	err := sonic.Unmarshal(data, &event)
	if err != nil {
		return JobQueuedEvent{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if event.JobID == "" {
		return JobQueuedEvent{}, ErrMissingJobID
	}

	return event, nil
}
