// Package jobstore provides core.JobStore implementations: in-memory, NATS
// key-value, Redis and PostgreSQL.
//
// Every store validates updates with core.Job.Apply, so a job's status never
// regresses no matter which backend holds it.
package jobstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// maxUpdateAttempts bounds optimistic-concurrency retries.
const maxUpdateAttempts = 8

var (
	// ErrInvalidJobID indicates an empty job id.
	ErrInvalidJobID = errors.New("job id cannot be empty")
	// ErrConflict indicates that a record kept changing under an update.
	ErrConflict = errors.New("job record changed concurrently")
	// ErrDuplicateJob indicates an id collision on create.
	ErrDuplicateJob = errors.New("job already exists")
)

// Option configures a store.
type Option func(*settings)

type settings struct {
	now    func() time.Time
	newID  func() string
	ttl    time.Duration
	prefix string
}

func newSettings(opts []Option) settings {
	cfg := settings{
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:  uuid.NewString,
		prefix: "narration",
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// WithIDGenerator sets the job id generator. The default is a random UUID.
func WithIDGenerator(newID func() string) Option {
	return func(s *settings) {
		s.newID = newID
	}
}

// WithTTL expires records after ttl in stores that support it (Redis).
// Zero keeps records forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix (Redis).
func WithPrefix(prefix string) Option {
	return func(s *settings) {
		s.prefix = prefix
	}
}

func encodeJob(job core.Job) ([]byte, error) {
	data, err := sonic.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	return data, nil
}

func decodeJob(data []byte) (core.Job, error) {
	var job core.Job

	err := sonic.Unmarshal(data, &job)
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to decode job record: %w", err)
	}

	return job, nil
}

func notFound(jobID string) error {
	return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
}

// applyEncoded decodes a stored record, applies update and re-encodes it.
func applyEncoded(data []byte, update core.JobUpdate, now time.Time) (core.Job, []byte, error) {
	job, err := decodeJob(data)
	if err != nil {
		return core.Job{}, nil, err
	}

	applyErr := job.Apply(update, now)
	if applyErr != nil {
		return core.Job{}, nil, applyErr
	}

	encoded, err := encodeJob(job)
	if err != nil {
		return core.Job{}, nil, err
	}

	return job, encoded, nil
}
