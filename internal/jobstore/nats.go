package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/nats-io/nats.go"
)

// NATS stores jobs in a JetStream key-value bucket. Updates are
// compare-and-set on the entry revision.
type NATS struct {
	kv     nats.KeyValue
	bucket string
	cfg    settings
}

// NewNATS binds to bucket, creating it when it does not exist.
func NewNATS(jetstreamContext nats.JetStreamContext, bucket string, opts ...Option) (*NATS, error) {
	kv, err := jetstreamContext.KeyValue(bucket)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			return nil, fmt.Errorf("failed to bind to job bucket '%s': %w", bucket, err)
		}

		kv, err = jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "Narration job records.",
			History:     1,
			Storage:     nats.FileStorage,
			Replicas:    1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create job bucket '%s': %w", bucket, err)
		}
	}

	return &NATS{kv: kv, bucket: bucket, cfg: newSettings(opts)}, nil
}

// Create stores a new queued job.
func (s *NATS) Create(_ context.Context, req core.NewJob) (core.Job, error) {
	job := core.NewQueuedJob(s.cfg.newID(), req, s.cfg.now())

	data, err := encodeJob(job)
	if err != nil {
		return core.Job{}, err
	}

	_, err = s.kv.Create(job.ID, data)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return core.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}

		return core.Job{}, fmt.Errorf("failed to create job '%s' in bucket '%s': %w", job.ID, s.bucket, err)
	}

	return job, nil
}

// Update applies update to the job atomically.
func (s *NATS) Update(_ context.Context, jobID string, update core.JobUpdate) (core.Job, error) {
	if jobID == "" {
		return core.Job{}, ErrInvalidJobID
	}

	for range maxUpdateAttempts {
		entry, err := s.entry(jobID)
		if err != nil {
			return core.Job{}, err
		}

		job, encoded, err := applyEncoded(entry.Value(), update, s.cfg.now())
		if err != nil {
			return core.Job{}, err
		}

		_, err = s.kv.Update(jobID, encoded, entry.Revision())
		if err == nil {
			return job, nil
		}

		// A wrong last revision is reported as ErrKeyExists.
		if !errors.Is(err, nats.ErrKeyExists) {
			return core.Job{}, fmt.Errorf("failed to update job '%s': %w", jobID, err)
		}
	}

	return core.Job{}, fmt.Errorf("%w: %s", ErrConflict, jobID)
}

// Get returns the job.
func (s *NATS) Get(_ context.Context, jobID string) (core.Job, error) {
	if jobID == "" {
		return core.Job{}, ErrInvalidJobID
	}

	entry, err := s.entry(jobID)
	if err != nil {
		return core.Job{}, err
	}

	return decodeJob(entry.Value())
}

func (s *NATS) entry(jobID string) (nats.KeyValueEntry, error) {
	entry, err := s.kv.Get(jobID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, notFound(jobID)
		}

		return nil, fmt.Errorf("failed to get job '%s' from bucket '%s': %w", jobID, s.bucket, err)
	}

	return entry, nil
}
