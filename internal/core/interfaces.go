// Package core defines the domain types and the narrow collaborator interfaces
// of the narration service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// ModelStore resolves voice identifiers to descriptors. It is the only place
// where engine tags are decided.
type ModelStore interface {
	Resolve(ctx context.Context, voiceID string) (VoiceDescriptor, error)
	List(ctx context.Context) ([]VoiceDescriptor, error)
}

// JobStore persists job records. Implementations validate every update with
// Job.Apply so that status never regresses.
type JobStore interface {
	Create(ctx context.Context, req NewJob) (Job, error)
	Update(ctx context.Context, jobID string, update JobUpdate) (Job, error)
	Get(ctx context.Context, jobID string) (Job, error)
}

// ResultSink stores an assembled result under key and returns where it can be
// fetched. A sink that is not configured returns ErrSinkUnavailable.
type ResultSink interface {
	Store(ctx context.Context, key string, data []byte) (string, error)
}

// JobQueue hands a queued job to background workers of the given engine class.
type JobQueue interface {
	Publish(ctx context.Context, job Job, engine EngineKind) error
}
