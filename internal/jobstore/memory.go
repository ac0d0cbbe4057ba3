package jobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/book-expert/narration-service/internal/core"
)

// Memory keeps jobs in process memory. Records do not survive a restart.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]core.Job
	cfg  settings
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{jobs: make(map[string]core.Job), cfg: newSettings(opts)}
}

// Create stores a new queued job.
func (m *Memory) Create(_ context.Context, req core.NewJob) (core.Job, error) {
	job := core.NewQueuedJob(m.cfg.newID(), req, m.cfg.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return core.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	m.jobs[job.ID] = job

	return job, nil
}

// Update applies update to the job atomically.
func (m *Memory) Update(_ context.Context, jobID string, update core.JobUpdate) (core.Job, error) {
	if jobID == "" {
		return core.Job{}, ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return core.Job{}, notFound(jobID)
	}

	err := job.Apply(update, m.cfg.now())
	if err != nil {
		return core.Job{}, err
	}

	m.jobs[jobID] = job

	return job, nil
}

// Get returns the job.
func (m *Memory) Get(_ context.Context, jobID string) (core.Job, error) {
	if jobID == "" {
		return core.Job{}, ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return core.Job{}, notFound(jobID)
	}

	return job, nil
}
