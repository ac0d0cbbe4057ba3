// Package apiclient is a Go client for the narration HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/narration-service/internal/httpapi"
	"github.com/book-expert/narration-service/internal/voicecache"
)

// API paths.
const (
	pathSync    = "/tts/sync"
	pathJobs    = "/tts/jobs"
	pathVoices  = "/voices"
	pathCache   = "/cache"
	pathHealth  = "/healthz"
	pathRequeue = "/requeue"
	pathAudio   = "/audio"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

const defaultTimeout = 5 * time.Minute

const (
	errFmtAPIError     = "narration API error (%s): %s (code: %s)"
	errFmtNonOKStatus  = "narration API returned non-OK status: %s, body: %s"
	errFmtUnexpectedCT = "unexpected content type: expected audio/wav, got %s"
)

var (
	// ErrEmptyText indicates a request without text.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrEmptyAudio indicates a successful response without audio.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// APIError is a structured error returned by the API.
type APIError struct {
	StatusCode int
	Status     string
	Detail     string
	Code       string
	JobID      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf(errFmtAPIError, e.Status, e.Detail, e.Code)
}

// NotFound reports whether the API answered 404.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Speech is the result of a synchronous synthesis.
type Speech struct {
	Audio            []byte
	Engine           string
	SegmentsTotal    string
	SegmentsProduced string
	DurationMs       string
}

// Client talks to one narration service.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client for baseURL (e.g. "http://localhost:8080"). A zero
// timeout uses the default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Synthesize renders text with voice inline and returns the WAV bytes.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (Speech, error) {
	if strings.TrimSpace(text) == "" {
		return Speech{}, ErrEmptyText
	}

	resp, err := c.do(ctx, http.MethodPost, pathSync, httpapi.SynthesizeRequest{Text: text, Voice: voice}, contentTypeWAV)
	if err != nil {
		return Speech{}, err
	}
	defer resp.Body.Close()

	audio, err := readAudio(resp)
	if err != nil {
		return Speech{}, err
	}

	return Speech{
		Audio:            audio,
		Engine:           resp.Header.Get(httpapi.HeaderVoiceEngine),
		SegmentsTotal:    resp.Header.Get(httpapi.HeaderSegmentsTotal),
		SegmentsProduced: resp.Header.Get(httpapi.HeaderSegmentsProduced),
		DurationMs:       resp.Header.Get(httpapi.HeaderAudioDurationMs),
	}, nil
}

// Enqueue submits an asynchronous job.
func (c *Client) Enqueue(ctx context.Context, req httpapi.EnqueueRequest) (httpapi.JobAccepted, error) {
	if strings.TrimSpace(req.Text) == "" {
		return httpapi.JobAccepted{}, ErrEmptyText
	}

	var accepted httpapi.JobAccepted

	err := c.doJSON(ctx, http.MethodPost, pathJobs, req, &accepted)

	return accepted, err
}

// Job returns the status of jobID.
func (c *Client) Job(ctx context.Context, jobID string) (httpapi.JobStatus, error) {
	var status httpapi.JobStatus

	err := c.doJSON(ctx, http.MethodGet, jobPath(jobID, ""), nil, &status)

	return status, err
}

// Requeue submits a finished job again and returns the new job.
func (c *Client) Requeue(ctx context.Context, jobID string) (httpapi.JobAccepted, error) {
	var accepted httpapi.JobAccepted

	err := c.doJSON(ctx, http.MethodPost, jobPath(jobID, pathRequeue), nil, &accepted)

	return accepted, err
}

// JobAudio downloads the result of a completed job.
func (c *Client) JobAudio(ctx context.Context, jobID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, jobPath(jobID, pathAudio), nil, contentTypeWAV)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readAudio(resp)
}

// Wait polls jobID every interval until it is completed or failed.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration) (httpapi.JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Job(ctx, jobID)
		if err != nil {
			return status, err
		}

		if status.Status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, fmt.Errorf("waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Voices lists the voice catalog.
func (c *Client) Voices(ctx context.Context) (httpapi.VoiceList, error) {
	var voices httpapi.VoiceList

	err := c.doJSON(ctx, http.MethodGet, pathVoices, nil, &voices)

	return voices, err
}

// CacheStats returns the voice cache contents.
func (c *Client) CacheStats(ctx context.Context) (voicecache.Stats, error) {
	var stats voicecache.Stats

	err := c.doJSON(ctx, http.MethodGet, pathCache, nil, &stats)

	return stats, err
}

// ClearCache drops all cached voice models.
func (c *Client) ClearCache(ctx context.Context) (int, error) {
	var cleared httpapi.CacheCleared

	err := c.doJSON(ctx, http.MethodDelete, pathCache, nil, &cleared)

	return cleared.Cleared, err
}

// HealthCheck verifies that the service is running.
func (c *Client) HealthCheck(ctx context.Context) error {
	var health httpapi.Health

	err := c.doJSON(ctx, http.MethodGet, pathHealth, nil, &health)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}

	return nil
}

func jobPath(jobID, suffix string) string {
	return pathJobs + "/" + url.PathEscape(jobID) + suffix
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body, contentTypeJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if decodeErr != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, decodeErr)
	}

	return nil
}

// do sends the request and returns the response when its status is 2xx.
func (c *Client) do(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	reader := io.Reader(http.NoBody)

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	req.Header.Set(headerAccept, accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to narration service at %s: %w", c.baseURL, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()

		return nil, parseErrorResponse(resp)
	}

	return resp, nil
}

func readAudio(resp *http.Response) ([]byte, error) {
	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf(errFmtUnexpectedCT, contentType)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	return audio, nil
}

// parseErrorResponse decodes a structured error body, falling back to the raw
// body for anything else.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp httpapi.ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Detail:     errorResp.Detail,
			Code:       errorResp.ErrorCode,
			JobID:      errorResp.JobID,
		}
	}

	return fmt.Errorf(errFmtNonOKStatus, resp.Status, string(body))
}
