package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

const (
	defaultAckWait     = 30 * time.Second
	defaultConcurrency = 1
)

const (
	logMalformed      = "Dropping malformed message on %s: %v"
	logRunFailed      = "Job %s could not be run, redelivering: %v"
	logJobMissing     = "Job %s does not exist, dropping message"
	logJobDone        = "Job %s finished as %s"
	logAckFailed      = "Failed to acknowledge job %s: %v"
	logWorkerStarted  = "Worker for %s jobs listening on %s (concurrency %d)"
	logWorkerStopping = "Worker for %s jobs draining"
)

// ErrMissingLogger indicates a worker built without a logger.
var ErrMissingLogger = errors.New("worker requires a logger")

// Runner executes a stored job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string) (core.Job, error)
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Engine      core.EngineKind
	Stream      string
	Prefix      string
	QueueGroup  string
	Concurrency int
	AckWait     time.Duration
	JobTimeout  time.Duration
	Logger      *logger.Logger
}

// Worker consumes the jobs of one engine class and runs up to Concurrency of
// them at a time. A message is acked once its job is terminal and nak'ed when
// the job could not be run.
type Worker struct {
	jetstreamContext nats.JetStreamContext
	runner           Runner
	opts             WorkerOptions
	slots            *semaphore.Weighted
	inFlight         sync.WaitGroup
	log              *logger.Logger
}

// NewWorker creates a worker. Zero options take defaults.
func NewWorker(jetstreamContext nats.JetStreamContext, runner Runner, opts WorkerOptions) (*Worker, error) {
	if opts.Logger == nil {
		return nil, ErrMissingLogger
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	if opts.AckWait <= 0 {
		opts.AckWait = defaultAckWait
	}

	return &Worker{
		jetstreamContext: jetstreamContext,
		runner:           runner,
		opts:             opts,
		slots:            semaphore.NewWeighted(int64(opts.Concurrency)),
		log:              opts.Logger,
	}, nil
}

// Run consumes until ctx is done, then drains the subscription and waits for
// in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	subject := Subject(w.opts.Prefix, w.opts.Engine)
	group := fmt.Sprintf("%s-%s", w.opts.QueueGroup, w.opts.Engine)

	sub, err := w.jetstreamContext.QueueSubscribe(subject, group,
		func(msg *nats.Msg) { w.dispatch(ctx, msg) },
		nats.BindStream(w.opts.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(w.opts.AckWait),
		nats.MaxAckPending(w.opts.Concurrency),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	w.log.Info(logWorkerStarted, w.opts.Engine, subject, w.opts.Concurrency)

	<-ctx.Done()

	w.log.Info(logWorkerStopping, w.opts.Engine)

	drainErr := sub.Drain()
	w.inFlight.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// dispatch blocks the subscription until a slot is free, then runs the
// message on its own goroutine.
func (w *Worker) dispatch(ctx context.Context, msg *nats.Msg) {
	acquireErr := w.slots.Acquire(ctx, 1)
	if acquireErr != nil {
		_ = msg.Nak()

		return
	}

	w.inFlight.Add(1)

	go func() {
		defer w.inFlight.Done()
		defer w.slots.Release(1)

		w.handleMessage(ctx, msg)
	}()
}

func (w *Worker) handleMessage(ctx context.Context, msg *nats.Msg) {
	event, err := DecodeEvent(msg.Data)
	if err != nil {
		w.log.Error(logMalformed, msg.Subject, err)
		w.settle(msg, "", msg.Term)

		return
	}

	jobCtx := ctx

	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc

		jobCtx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}

	stopHeartbeat := w.heartbeat(msg)
	job, runErr := w.runner.Run(jobCtx, event.JobID)
	stopHeartbeat()

	switch {
	case errors.Is(runErr, core.ErrJobNotFound):
		w.log.Warn(logJobMissing, event.JobID)
		w.settle(msg, event.JobID, msg.Term)
	case runErr != nil:
		w.log.Error(logRunFailed, event.JobID, runErr)
		w.settle(msg, event.JobID, msg.Nak)
	default:
		w.log.Info(logJobDone, job.ID, job.Status)
		w.settle(msg, event.JobID, msg.Ack)
	}
}

// heartbeat keeps a long job's message from being redelivered.
func (w *Worker) heartbeat(msg *nats.Msg) func() {
	done := make(chan struct{})
	ticker := time.NewTicker(w.opts.AckWait / 2)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()

	return func() { close(done) }
}

func (w *Worker) settle(msg *nats.Msg, jobID string, ack func(opts ...nats.AckOpt) error) {
	err := ack()
	if err != nil {
		w.log.Error(logAckFailed, jobID, err)
	}
}
