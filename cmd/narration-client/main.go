package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/apiclient"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/httpapi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Flag descriptions.
const (
	flagTextDesc    = "Text to convert to speech"
	flagChunksDesc  = "JSON file containing an array of text chunks to process"
	flagOutputDesc  = "Output file path (.wav), or output directory with --chunks"
	flagVoiceDesc   = "Voice id to narrate with"
	flagServerDesc  = "Base URL of the narration service"
	flagAsyncDesc   = "Queue a background job and poll until it finishes"
	flagHealthDesc  = "Check narration service health and exit"
	flagVerboseDesc = "Enable verbose logging"
	flagLogDirDesc  = "Directory for the client log"
	flagTimeoutDesc = "Timeout of one synthesis request"
	flagWorkersDesc = "Number of chunks processed concurrently"
)

// Flag names.
const (
	flagText    = "text"
	flagChunks  = "chunks"
	flagOutput  = "output"
	flagVoice   = "voice"
	flagServer  = "server"
	flagAsync   = "async"
	flagHealth  = "health"
	flagVerbose = "verbose"
	flagLogDir  = "log-dir"
	flagTimeout = "timeout"
	flagWorkers = "workers"
)

// Log messages.
const (
	logClientInitialized     = "Narration client initialized (server: %s)"
	logProcessingSingleText  = "Processing single text to: %s"
	logSuccessfullyGenerated = "Successfully generated speech: %s (%d bytes)"
	logGenerated             = "Generated: %s\n"
	logProcessingChunks      = "Processing %d chunks from: %s"
	logOutputDirectory       = "Output directory: %s"
	logChunkProcessed        = "Processed chunk %d/%d"
	logChunkFailed           = "Chunk %d failed: %v"
	logJobQueued             = "Queued job %s"
	logGeneratedAudioFiles   = "Generated audio files in: %s\n"
	logServiceHealthy        = "Narration service is healthy"
	logServiceNotHealthy     = "Narration service is not healthy: %v\n"
)

// File names and defaults.
const (
	logFileNameDefault = "narration-client.log"
	logFileNameVerbose = "narration-client-verbose.log"
	defaultOutputFile  = "output.wav"
	defaultServerURL   = "http://127.0.0.1:8080"
	chunkFileFormat    = "chunk_%04d.wav"
	healthCheckTimeout = 10 * time.Second
	pollInterval       = time.Second
	defaultTimeout     = 5 * time.Minute
	defaultWorkers     = 2
	dirPermissions     = 0o750
	filePermissions    = 0o644
)

var (
	errEitherTextOrChunks = errors.New("Either --text or --chunks must be provided")
	errCannotSpecifyBoth  = errors.New("Cannot specify both --text and --chunks")
	errVoiceRequired      = errors.New("--voice is required")
	errNoChunks           = errors.New("no chunks found")
	errJobFailed          = errors.New("job failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text    string
	chunks  string
	output  string
	voice   string
	server  string
	logDir  string
	timeout time.Duration
	workers int
	async   bool
	health  bool
	verbose bool
}

// validate checks required and conflicting arguments.
func (f appFlags) validate() error {
	if f.health {
		return nil
	}

	if f.text == "" && f.chunks == "" {
		return errEitherTextOrChunks
	}

	if f.text != "" && f.chunks != "" {
		return errCannotSpecifyBoth
	}

	if f.voice == "" {
		return errVoiceRequired
	}

	return nil
}

// app bundles what the command handlers share.
type app struct {
	client *apiclient.Client
	log    *logger.Logger
	out    io.Writer
	flags  appFlags
}

func newRootCmd() *cobra.Command {
	var flags appFlags

	cmd := &cobra.Command{
		Use:          "narration-client",
		Short:        "Sends text to a narration service and saves the audio",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PreRunE: func(*cobra.Command, []string) error {
			return flags.validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.text, flagText, "", flagTextDesc)
	cmd.Flags().StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	cmd.Flags().StringVarP(&flags.output, flagOutput, "o", "", flagOutputDesc)
	cmd.Flags().StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	cmd.Flags().StringVar(&flags.server, flagServer, defaultServerURL, flagServerDesc)
	cmd.Flags().StringVar(&flags.logDir, flagLogDir, os.TempDir(), flagLogDirDesc)
	cmd.Flags().DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	cmd.Flags().IntVar(&flags.workers, flagWorkers, defaultWorkers, flagWorkersDesc)
	cmd.Flags().BoolVar(&flags.async, flagAsync, false, flagAsyncDesc)
	cmd.Flags().BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	cmd.Flags().BoolVarP(&flags.verbose, flagVerbose, "v", false, flagVerboseDesc)

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run sets up the logger and dispatches to the selected mode.
func run(ctx context.Context, out io.Writer, flags appFlags) error {
	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	log, err := logger.New(flags.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = log.Close() }()

	a := &app{
		client: apiclient.New(flags.server, flags.timeout),
		log:    log,
		out:    out,
		flags:  flags,
	}

	log.Info(logClientInitialized, flags.server)

	switch {
	case flags.health:
		return a.healthCheck(ctx)
	case flags.text != "":
		outputPath := flags.output
		if outputPath == "" {
			outputPath = defaultOutputFile
		}

		return a.processSingleText(ctx, flags.text, outputPath)
	default:
		outputDir := flags.output
		if outputDir == "" {
			outputDir = "."
		}

		return a.processChunks(ctx, flags.chunks, outputDir)
	}
}

func (a *app) healthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := a.client.HealthCheck(ctx)
	if err != nil {
		a.log.Error("Health check failed: %v", err)
		_, _ = fmt.Fprintf(a.out, logServiceNotHealthy, err)

		return err
	}

	_, _ = fmt.Fprintln(a.out, logServiceHealthy)

	return nil
}

func (a *app) processSingleText(ctx context.Context, text, outputPath string) error {
	a.log.Info(logProcessingSingleText, outputPath)

	audio, err := a.narrate(ctx, text)
	if err != nil {
		a.log.Error("Failed to process text: %v", err)

		return fmt.Errorf("failed to process text: %w", err)
	}

	err = writeAudio(outputPath, audio)
	if err != nil {
		return err
	}

	a.log.Info(logSuccessfullyGenerated, outputPath, len(audio))
	_, _ = fmt.Fprintf(a.out, logGenerated, outputPath)

	return nil
}

// processChunks narrates every chunk into chunk_NNNN.wav. A failed chunk does
// not stop the others; all failures are returned together.
func (a *app) processChunks(ctx context.Context, chunksPath, outputDir string) error {
	chunks, err := readChunksFile(chunksPath)
	if err != nil {
		return err
	}

	a.log.Info(logProcessingChunks, len(chunks), chunksPath)
	a.log.Info(logOutputDirectory, outputDir)

	var (
		group    errgroup.Group
		mutex    sync.Mutex
		failures []error
	)

	group.SetLimit(max(a.flags.workers, 1))

	for index, chunk := range chunks {
		group.Go(func() error {
			outputPath := filepath.Join(outputDir, fmt.Sprintf(chunkFileFormat, index+1))

			audio, narrateErr := a.narrate(ctx, chunk)
			if narrateErr == nil {
				narrateErr = writeAudio(outputPath, audio)
			}

			if narrateErr != nil {
				a.log.Error(logChunkFailed, index+1, narrateErr)

				mutex.Lock()
				failures = append(failures, fmt.Errorf("chunk %d: %w", index+1, narrateErr))
				mutex.Unlock()

				return nil
			}

			a.log.Info(logChunkProcessed, index+1, len(chunks))

			return nil
		})
	}

	_ = group.Wait()

	if len(failures) > 0 {
		return errors.Join(failures...)
	}

	_, _ = fmt.Fprintf(a.out, logGeneratedAudioFiles, outputDir)

	return nil
}

// narrate returns the WAV audio of text, inline or through a queued job.
func (a *app) narrate(ctx context.Context, text string) ([]byte, error) {
	if !a.flags.async {
		speech, err := a.client.Synthesize(ctx, text, a.flags.voice)
		if err != nil {
			return nil, err
		}

		return speech.Audio, nil
	}

	accepted, err := a.client.Enqueue(ctx, httpapi.EnqueueRequest{Text: text, Voice: a.flags.voice})
	if err != nil {
		return nil, err
	}

	a.log.Info(logJobQueued, accepted.ID)

	status, err := a.client.Wait(ctx, accepted.ID, pollInterval)
	if err != nil {
		return nil, err
	}

	if status.Status != core.StatusCompleted {
		return nil, fmt.Errorf("%w: job %s: %s", errJobFailed, status.ID, status.Failure)
	}

	return a.client.JobAudio(ctx, accepted.ID)
}

// readChunksFile parses a JSON array of strings.
func readChunksFile(chunksPath string) ([]string, error) {
	data, err := os.ReadFile(chunksPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks file: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", err)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w in %s", errNoChunks, chunksPath)
	}

	return chunks, nil
}

func writeAudio(outputPath string, audio []byte) error {
	err := os.MkdirAll(filepath.Dir(outputPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	err = os.WriteFile(outputPath, audio, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	return nil
}
