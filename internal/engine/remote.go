package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/voicecache"
	"github.com/bytedance/sonic"
)

// Remote service endpoints.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

const (
	defaultRemoteTimeout  = 5 * time.Minute
	defaultRemoteLanguage = "en"
)

const (
	errFmtServiceErrorWithCode = "speech service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "speech service returned non-OK status: %s, body: %s"
	errFmtUnexpectedType       = "unexpected content type: expected audio/wav, got %s"
	logRemoteModel             = "Speech service at %s ready for model %s"
)

var (
	// ErrServiceUnavailable indicates that the remote speech service did not answer its health check.
	ErrServiceUnavailable = errors.New("speech service unavailable")
	// ErrEmptyAudio indicates a successful response without audio.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// SpeechRequest is the body of a remote synthesis call.
type SpeechRequest struct {
	Text      string `json:"text"`
	ModelPath string `json:"model_path"`
	Language  string `json:"language"`
}

// ServiceError is the structured error body of the remote service.
type ServiceError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// RemoteOptions configures the alternate engine.
type RemoteOptions struct {
	ServiceURL string
	Timeout    time.Duration
	Language   string
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Remote delegates synthesis to a GPU-backed speech service over HTTP. The
// service runs one request at a time per model, so its models are Exclusive.
type Remote struct {
	httpClient *http.Client
	baseURL    string
	language   string
	log        *logger.Logger
}

// NewRemote creates the alternate engine.
func NewRemote(opts RemoteOptions) *Remote {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRemoteTimeout
	}

	if opts.Language == "" {
		opts.Language = defaultRemoteLanguage
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Remote{
		httpClient: client,
		baseURL:    strings.TrimRight(opts.ServiceURL, "/"),
		language:   opts.Language,
		log:        opts.Logger,
	}
}

// Kind returns core.EngineAlternate.
func (r *Remote) Kind() core.EngineKind {
	return core.EngineAlternate
}

// Load checks that the model exists locally and that the service is healthy.
func (r *Remote) Load(ctx context.Context, modelPath string) (voicecache.Model, error) {
	_, err := os.Stat(modelPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrModelNotFound, modelPath)
		}

		return nil, fmt.Errorf("failed to stat model %s: %w", modelPath, err)
	}

	healthErr := r.HealthCheck(ctx)
	if healthErr != nil {
		return nil, healthErr
	}

	if r.log != nil {
		r.log.Info(logRemoteModel, r.baseURL, modelPath)
	}

	return &remoteModel{engine: r, modelPath: modelPath}, nil
}

// HealthCheck verifies that the speech service answers.
func (r *Remote) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %w", ErrServiceUnavailable, r.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrServiceUnavailable, resp.Status)
	}

	return nil
}

// GenerateSpeech posts req and returns the WAV body.
func (r *Remote) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, core.ErrEmptyText
	}

	if req.Language == "" {
		req.Language = r.language
	}

	requestBody, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		r.baseURL+apiGenerateSpeech,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to speech service at %s: %w", r.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseServiceError(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf(errFmtUnexpectedType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

func parseServiceError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var serviceErr ServiceError

	err := sonic.Unmarshal(body, &serviceErr)
	if err == nil && serviceErr.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, serviceErr.Detail, serviceErr.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}

type remoteModel struct {
	engine    *Remote
	modelPath string
}

func (m *remoteModel) Close() error {
	return nil
}

// Exclusive reports that calls on this model must be serialized.
func (m *remoteModel) Exclusive() bool {
	return true
}

// Stream emits the whole response as a single chunk.
func (m *remoteModel) Stream(ctx context.Context, text string, emit func(Chunk) error) error {
	wav, err := m.engine.GenerateSpeech(ctx, SpeechRequest{Text: text, ModelPath: m.modelPath})
	if err != nil {
		return err
	}

	fragment, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("failed to decode speech service audio: %w", err)
	}

	return emit(Chunk{Format: fragment.Format, Samples: fragment.Samples})
}
