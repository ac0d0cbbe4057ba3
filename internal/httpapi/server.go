// Package httpapi exposes the narration service over HTTP with fiber.
package httpapi

import (
	"context"
	"errors"
	"strconv"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/service"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	appName          = "narration-service"
	defaultBodyLimit = 1 << 20
	contentTypeWAV   = "audio/wav"
)

const (
	logRequestFailed = "%s %s failed with %d: %v"
	logJobAccepted   = "Accepted job %s"
)

// Options configures a Server.
type Options struct {
	Service   *service.Service
	Gatherer  prometheus.Gatherer
	BodyLimit int
	Logger    *logger.Logger
}

// Server holds the fiber app and its handlers.
type Server struct {
	app *fiber.App
	svc *service.Service
	log *logger.Logger
}

// New builds the app and registers every route.
func New(opts Options) *Server {
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = defaultBodyLimit
	}

	server := &Server{svc: opts.Service, log: opts.Logger}

	server.app = fiber.New(fiber.Config{
		AppName:               appName,
		BodyLimit:             opts.BodyLimit,
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ErrorHandler:          server.handleError,
	})
	server.app.Use(recover.New())

	server.app.Get("/healthz", server.health)
	server.app.Get("/voices", server.listVoices)
	server.app.Get("/cache", server.cacheStats)
	server.app.Delete("/cache", server.clearCache)

	tts := server.app.Group("/tts")
	tts.Post("/sync", server.synthesize)
	tts.Post("/jobs", server.enqueue)
	tts.Get("/jobs/:id", server.jobStatus)
	tts.Post("/jobs/:id/requeue", server.requeue)
	tts.Get("/jobs/:id/audio", server.jobAudio)

	if opts.Gatherer != nil {
		server.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return server
}

// App returns the fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for open requests until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(Health{Status: "ok"})
}

func (s *Server) listVoices(c *fiber.Ctx) error {
	voices, err := s.svc.ListVoices(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(VoiceList{Voices: voices})
}

func (s *Server) cacheStats(c *fiber.Ctx) error {
	return c.JSON(s.svc.CacheStats())
}

func (s *Server) clearCache(c *fiber.Ctx) error {
	return c.JSON(CacheCleared{Cleared: s.svc.ClearCache()})
}

func (s *Server) synthesize(c *fiber.Ctx) error {
	var req SynthesizeRequest

	err := c.BodyParser(&req)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}

	rendering, err := s.svc.SynthesizeSync(c.UserContext(), req.Text, req.Voice)
	if err != nil {
		return err
	}

	c.Set(HeaderSegmentsTotal, strconv.Itoa(rendering.Total))
	c.Set(HeaderSegmentsProduced, strconv.Itoa(rendering.Produced))
	c.Set(HeaderAudioDurationMs, strconv.FormatInt(rendering.Duration.Milliseconds(), 10))
	c.Set(HeaderVoiceEngine, string(rendering.Voice.Engine))
	c.Set(fiber.HeaderContentType, contentTypeWAV)

	return c.Send(rendering.Audio)
}

func (s *Server) enqueue(c *fiber.Ctx) error {
	var req EnqueueRequest

	err := c.BodyParser(&req)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}

	job, err := s.svc.EnqueueJob(c.UserContext(), service.EnqueueRequest{
		Text:    req.Text,
		VoiceID: req.Voice,
		UserID:  req.UserID,
	})
	if err != nil {
		return &jobError{jobID: job.ID, err: err}
	}

	s.log.Info(logJobAccepted, job.ID)

	return c.Status(fiber.StatusAccepted).JSON(JobAccepted{ID: job.ID, Status: job.Status})
}

func (s *Server) jobStatus(c *fiber.Ctx) error {
	job, err := s.svc.GetJobStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(jobStatusOf(job))
}

func (s *Server) requeue(c *fiber.Ctx) error {
	job, err := s.svc.RequeueJob(c.UserContext(), c.Params("id"))
	if err != nil {
		return &jobError{jobID: job.ID, err: err}
	}

	return c.Status(fiber.StatusAccepted).JSON(JobAccepted{
		ID:           job.ID,
		Status:       job.Status,
		RequeuedFrom: job.RequeuedFrom,
	})
}

func (s *Server) jobAudio(c *fiber.Ctx) error {
	data, err := s.svc.FetchResult(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, contentTypeWAV)

	return c.Send(data)
}

// jobError carries the id of a job created before the request failed.
type jobError struct {
	jobID string
	err   error
}

func (e *jobError) Error() string { return e.err.Error() }

func (e *jobError) Unwrap() error { return e.err }

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status, code := classify(err)

	if status >= fiber.StatusInternalServerError {
		s.log.Error(logRequestFailed, c.Method(), c.Path(), status, err)
	}

	body := ErrorResponse{Detail: err.Error(), ErrorCode: code}

	var created *jobError
	if errors.As(err, &created) {
		body.JobID = created.jobID
	}

	return c.Status(status).JSON(body)
}

// classify maps an error to its HTTP status and error code.
func classify(err error) (int, string) {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code, CodeBadRequest
	}

	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return fiber.StatusNotFound, CodeJobNotFound
	case core.IsNotFound(err):
		return fiber.StatusNotFound, string(core.Classify(err))
	case errors.Is(err, objectstore.ErrObjectNotFound):
		return fiber.StatusNotFound, CodeNoResult
	case errors.Is(err, core.ErrEmptyText), errors.Is(err, core.ErrInvalidUserID):
		return fiber.StatusBadRequest, string(core.Classify(err))
	case errors.Is(err, service.ErrNotTerminal):
		return fiber.StatusConflict, CodeNotTerminal
	case errors.Is(err, service.ErrNoResult):
		return fiber.StatusConflict, CodeNoResult
	case errors.Is(err, service.ErrEnqueueFailed):
		return fiber.StatusServiceUnavailable, string(core.FailureEnqueueFailed)
	case errors.Is(err, core.ErrSinkUnavailable), errors.Is(err, core.ErrCanceled),
		errors.Is(err, core.ErrInvalidEngine):
		return fiber.StatusServiceUnavailable, CodeUnavailable
	default:
		return fiber.StatusInternalServerError, string(core.Classify(err))
	}
}
