package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/redis/go-redis/v9"
)

// Redis stores each job as one sonic-encoded value under <prefix>:job:<id>.
// Updates use WATCH/MULTI and retry when the record changes underneath.
type Redis struct {
	client *redis.Client
	cfg    settings
}

// NewRedis creates a Redis-backed store.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{client: client, cfg: newSettings(opts)}
}

// Create stores a new queued job.
func (s *Redis) Create(ctx context.Context, req core.NewJob) (core.Job, error) {
	job := core.NewQueuedJob(s.cfg.newID(), req, s.cfg.now())

	data, err := encodeJob(job)
	if err != nil {
		return core.Job{}, err
	}

	created, err := s.client.SetNX(ctx, s.key(job.ID), data, s.cfg.ttl).Result()
	if err != nil {
		return core.Job{}, fmt.Errorf("redis setnx failed: %w", err)
	}

	if !created {
		return core.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	return job, nil
}

// Update applies update to the job atomically.
func (s *Redis) Update(ctx context.Context, jobID string, update core.JobUpdate) (core.Job, error) {
	if jobID == "" {
		return core.Job{}, ErrInvalidJobID
	}

	key := s.key(jobID)

	for range maxUpdateAttempts {
		var updated core.Job

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, getErr := tx.Get(ctx, key).Bytes()
			if getErr != nil {
				if errors.Is(getErr, redis.Nil) {
					return notFound(jobID)
				}

				return fmt.Errorf("redis get failed: %w", getErr)
			}

			job, encoded, applyErr := applyEncoded(data, update, s.cfg.now())
			if applyErr != nil {
				return applyErr
			}

			_, execErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, s.cfg.ttl)

				return nil
			})
			if execErr != nil {
				return execErr
			}

			updated = job

			return nil
		}, key)

		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return core.Job{}, err
		}
	}

	return core.Job{}, fmt.Errorf("%w: %s", ErrConflict, jobID)
}

// Get returns the job.
func (s *Redis) Get(ctx context.Context, jobID string) (core.Job, error) {
	if jobID == "" {
		return core.Job{}, ErrInvalidJobID
	}

	data, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.Job{}, notFound(jobID)
		}

		return core.Job{}, fmt.Errorf("redis get failed: %w", err)
	}

	return decodeJob(data)
}

func (s *Redis) key(jobID string) string {
	return s.cfg.prefix + ":job:" + jobID
}

