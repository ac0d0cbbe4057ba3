package core

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

// AnonymousUser is the key prefix for results of jobs without a user.
const AnonymousUser = "anonymous"

// A user id becomes one element of a storage key, so it may not contain
// separators or start with a dot.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+-]{0,127}$`)

// ValidateUserID rejects ids that are not a single safe key element. The
// empty id is valid and stands for AnonymousUser.
func ValidateUserID(userID string) error {
	if userID == "" || userIDPattern.MatchString(userID) {
		return nil
	}

	return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
}

// EngineKind tags which synthesis engine serves a voice.
type EngineKind string

const (
	// EnginePrimary is the fast CPU-capable engine.
	EnginePrimary EngineKind = "primary"
	// EngineAlternate is the heavier GPU-backed engine.
	EngineAlternate EngineKind = "alternate"
)

// ParseEngineKind validates an engine tag. An empty tag means primary.
func ParseEngineKind(value string) (EngineKind, error) {
	switch EngineKind(value) {
	case "", EnginePrimary:
		return EnginePrimary, nil
	case EngineAlternate:
		return EngineAlternate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEngine, value)
	}
}

// VoiceDescriptor identifies a synthesis voice. It is read-only once resolved.
type VoiceDescriptor struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	Language    string     `json:"language"`
	Engine      EngineKind `json:"engine"`
	ModelPath   string     `json:"model_path"`
	Available   bool       `json:"available"`
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is allowed. Setting the current
// status again is allowed so that progress updates can carry it.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return !from.Terminal()
	}

	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Job is the durable unit of asynchronous work.
type Job struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id,omitempty"`
	Text              string      `json:"text"`
	VoiceID           string      `json:"voice_id"`
	Status            JobStatus   `json:"status"`
	TotalSegments     int         `json:"total_segments"`
	CompletedSegments int         `json:"completed_segments"`
	ResultLocation    string      `json:"result_location,omitempty"`
	Failure           FailureKind `json:"failure,omitempty"`
	RequeuedFrom      string      `json:"requeued_from,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// NewJob is the input of JobStore.Create.
type NewJob struct {
	Text         string
	VoiceID      string
	UserID       string
	RequeuedFrom string
}

// JobUpdate carries the fields to change. Nil fields are left untouched.
type JobUpdate struct {
	Status            *JobStatus
	TotalSegments     *int
	CompletedSegments *int
	ResultLocation    *string
	Failure           *FailureKind
}

// NewQueuedJob builds the initial record for req.
func NewQueuedJob(jobID string, req NewJob, now time.Time) Job {
	return Job{
		ID:           jobID,
		UserID:       req.UserID,
		Text:         req.Text,
		VoiceID:      req.VoiceID,
		Status:       StatusQueued,
		RequeuedFrom: req.RequeuedFrom,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Apply validates update against the current record and applies it in place.
func (j *Job) Apply(update JobUpdate, now time.Time) error {
	if update.Status != nil {
		if !update.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *update.Status)
		}

		if !CanTransition(j.Status, *update.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, *update.Status)
		}
	} else if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}

	total := j.TotalSegments
	if update.TotalSegments != nil {
		total = *update.TotalSegments
	}

	completed := j.CompletedSegments
	if update.CompletedSegments != nil {
		completed = *update.CompletedSegments
	}

	if total < 0 || completed < 0 || completed > total {
		return fmt.Errorf("%w: completed %d of %d segments", ErrInvalidTransition, completed, total)
	}

	if update.Status != nil {
		j.Status = *update.Status
	}

	j.TotalSegments = total
	j.CompletedSegments = completed

	if update.ResultLocation != nil {
		j.ResultLocation = *update.ResultLocation
	}

	if update.Failure != nil {
		j.Failure = *update.Failure
	}

	j.UpdatedAt = now

	return nil
}

// StatusUpdate returns an update that only sets the status.
func StatusUpdate(status JobStatus) JobUpdate {
	return JobUpdate{Status: &status}
}

// FailedUpdate returns an update marking a job failed with kind.
func FailedUpdate(kind FailureKind) JobUpdate {
	status := StatusFailed

	return JobUpdate{Status: &status, Failure: &kind}
}

// ResultKey is the storage key of a job's assembled audio:
// <user_id or anonymous>/<job_id>.wav.
func ResultKey(userID, jobID string) string {
	if userID == "" {
		userID = AnonymousUser
	}

	return path.Join(userID, jobID+".wav")
}
