package httpapi

import (
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// Response headers of POST /tts/sync.
const (
	HeaderSegmentsTotal    = "X-Segments-Total"
	HeaderSegmentsProduced = "X-Segments-Produced"
	HeaderAudioDurationMs  = "X-Audio-Duration-Ms"
	HeaderVoiceEngine      = "X-Voice-Engine"
)

// Error codes beyond the failure classifications of core.FailureKind.
const (
	CodeBadRequest  = "bad_request"
	CodeJobNotFound = "job_not_found"
	CodeNotTerminal = "job_not_finished"
	CodeNoResult    = "no_result"
	CodeUnavailable = "unavailable"
)

// SynthesizeRequest is the body of POST /tts/sync.
type SynthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// EnqueueRequest is the body of POST /tts/jobs.
type EnqueueRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	UserID string `json:"user_id,omitempty"`
}

// JobAccepted is returned when a job was queued.
type JobAccepted struct {
	ID           string         `json:"id"`
	Status       core.JobStatus `json:"status"`
	RequeuedFrom string         `json:"requeued_from,omitempty"`
}

// JobStatus is the body of GET /tts/jobs/:id.
type JobStatus struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id,omitempty"`
	VoiceID           string           `json:"voice_id"`
	Status            core.JobStatus   `json:"status"`
	TotalSegments     int              `json:"total_segments"`
	CompletedSegments int              `json:"completed_segments"`
	ResultLocation    string           `json:"result_location,omitempty"`
	Failure           core.FailureKind `json:"failure,omitempty"`
	RequeuedFrom      string           `json:"requeued_from,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// VoiceList is the body of GET /voices.
type VoiceList struct {
	Voices []core.VoiceDescriptor `json:"voices"`
}

// CacheCleared is the body of DELETE /cache.
type CacheCleared struct {
	Cleared int `json:"cleared"`
}

// Health is the body of GET /healthz.
type Health struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
	JobID     string `json:"job_id,omitempty"`
}

func jobStatusOf(job core.Job) JobStatus {
	return JobStatus{
		ID:                job.ID,
		UserID:            job.UserID,
		VoiceID:           job.VoiceID,
		Status:            job.Status,
		TotalSegments:     job.TotalSegments,
		CompletedSegments: job.CompletedSegments,
		ResultLocation:    job.ResultLocation,
		Failure:           job.Failure,
		RequeuedFrom:      job.RequeuedFrom,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
}
