package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/voicecache"
	"github.com/bytedance/sonic"
)

// Piper defaults.
const (
	DefaultPiperBinary     = "piper"
	DefaultPiperSampleRate = 22050
	DefaultChunkBytes      = 8192
	DefaultPiperProcesses  = 2
	piperConfigSuffix      = ".json"
	maxStderrBytes         = 4096
	piperWaitDelay         = time.Second
)

const (
	logPiperModel = "Started %d piper processes for %s (%s)"
	logPiperExit  = "Piper process for %s exited: %v"
)

// Piper errors.
var (
	ErrPiperBinary = errors.New("piper binary not found")
	errModelClosed = errors.New("piper model closed")
)

// PiperOptions configures the piper engine.
type PiperOptions struct {
	BinaryPath string
	ChunkBytes int
	// Processes is the number of resident piper processes kept per model.
	Processes int
	Logger    *logger.Logger
}

// Piper keeps a small pool of resident piper processes per loaded model and
// feeds them one JSON line per segment.
type Piper struct {
	binaryPath string
	chunkBytes int
	processes  int
	log        *logger.Logger
}

// piperVoiceConfig is the subset of the <model>.onnx.json file we read.
type piperVoiceConfig struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
}

// piperRequest is one line of piper's --json-input protocol.
type piperRequest struct {
	Text       string `json:"text"`
	OutputFile string `json:"output_file"`
}

// NewPiper creates the primary engine.
func NewPiper(opts PiperOptions) *Piper {
	if opts.BinaryPath == "" {
		opts.BinaryPath = DefaultPiperBinary
	}

	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}

	if opts.Processes <= 0 {
		opts.Processes = DefaultPiperProcesses
	}

	// Chunks must hold whole 16-bit samples.
	opts.ChunkBytes -= opts.ChunkBytes % 2
	if opts.ChunkBytes == 0 {
		opts.ChunkBytes = 2
	}

	return &Piper{
		binaryPath: opts.BinaryPath,
		chunkBytes: opts.ChunkBytes,
		processes:  opts.Processes,
		log:        opts.Logger,
	}
}

// Kind returns core.EnginePrimary.
func (p *Piper) Kind() core.EngineKind {
	return core.EnginePrimary
}

// Load validates the model and its sidecar config, then starts the model's
// resident processes. They run until the model is closed.
func (p *Piper) Load(ctx context.Context, modelPath string) (voicecache.Model, error) {
	_, err := os.Stat(modelPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrModelNotFound, modelPath)
		}

		return nil, fmt.Errorf("failed to stat model %s: %w", modelPath, err)
	}

	binary, err := exec.LookPath(p.binaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPiperBinary, p.binaryPath, err)
	}

	format, err := readPiperFormat(modelPath + piperConfigSuffix)
	if err != nil {
		return nil, err
	}

	outputDir, err := os.MkdirTemp("", "piper-")
	if err != nil {
		return nil, fmt.Errorf("failed to create piper output dir: %w", err)
	}

	model := &piperModel{
		binaryPath: binary,
		modelPath:  modelPath,
		outputDir:  outputDir,
		format:     format,
		chunkBytes: p.chunkBytes,
		log:        p.log,
		idle:       make(chan *piperProcess, p.processes),
		done:       make(chan struct{}),
	}

	for range p.processes {
		if ctx.Err() != nil {
			_ = model.Close()

			return nil, ctx.Err()
		}

		proc, spawnErr := model.spawn()
		if spawnErr != nil {
			_ = model.Close()

			return nil, spawnErr
		}

		model.idle <- proc
	}

	if p.log != nil {
		p.log.Info(logPiperModel, p.processes, modelPath, format)
	}

	return model, nil
}

func readPiperFormat(configPath string) (audio.Format, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return audio.Mono16(DefaultPiperSampleRate), nil
		}

		return audio.Format{}, fmt.Errorf("failed to read voice config %s: %w", configPath, err)
	}

	var cfg piperVoiceConfig

	err = sonic.Unmarshal(data, &cfg)
	if err != nil {
		return audio.Format{}, fmt.Errorf("failed to parse voice config %s: %w", configPath, err)
	}

	rate := cfg.Audio.SampleRate
	if rate == 0 {
		rate = DefaultPiperSampleRate
	}

	format := audio.Mono16(rate)

	validateErr := format.Validate()
	if validateErr != nil {
		return audio.Format{}, fmt.Errorf("voice config %s: %w", configPath, validateErr)
	}

	return format, nil
}

// piperModel owns the resident processes of one voice. The idle channel holds
// one slot per process; a nil slot is respawned on its next use.
type piperModel struct {
	binaryPath string
	modelPath  string
	outputDir  string
	format     audio.Format
	chunkBytes int
	log        *logger.Logger

	idle chan *piperProcess
	done chan struct{}
	seq  atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (m *piperModel) spawn() (*piperProcess, error) {
	cmd := exec.Command(m.binaryPath,
		"--model", m.modelPath,
		"--json-input",
		"--output_dir", m.outputDir,
	)

	stderr := &tailBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr
	cmd.WaitDelay = piperWaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open piper input: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open piper output: %w", err)
	}

	startErr := cmd.Start()
	if startErr != nil {
		return nil, fmt.Errorf("failed to start piper: %w", startErr)
	}

	return &piperProcess{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout), stderr: stderr}, nil
}

func (m *piperModel) acquire(ctx context.Context) (*piperProcess, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, errModelClosed
	case proc := <-m.idle:
		if proc != nil {
			return proc, nil
		}

		spawned, err := m.spawn()
		if err != nil {
			m.release(nil)

			return nil, err
		}

		return spawned, nil
	}
}

// release hands a slot back to the pool. A nil proc frees the slot for a
// fresh process.
func (m *piperModel) release(proc *piperProcess) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		if proc != nil {
			_ = proc.stop()
		}

		return
	}

	m.idle <- proc
}

// Close stops every idle process and removes the output directory.
// Processes in use are stopped when released.
func (m *piperModel) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	close(m.done)

	for drained := false; !drained; {
		select {
		case proc := <-m.idle:
			if proc != nil {
				_ = proc.stop()
			}
		default:
			drained = true
		}
	}

	m.mu.Unlock()

	return os.RemoveAll(m.outputDir)
}

// Stream synthesizes text on one resident process and emits the PCM samples
// in chunks.
func (m *piperModel) Stream(ctx context.Context, text string, emit func(Chunk) error) error {
	proc, err := m.acquire(ctx)
	if err != nil {
		return err
	}

	outputPath := filepath.Join(m.outputDir, fmt.Sprintf("utt-%d.wav", m.seq.Add(1)))
	defer func() { _ = os.Remove(outputPath) }()

	speakErr := proc.speak(ctx, text, outputPath)
	if speakErr != nil {
		waitErr := proc.stop()
		m.release(nil)

		if m.log != nil {
			m.log.Warn(logPiperExit, m.modelPath, waitErr)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("piper exited: %w: %s", errors.Join(speakErr, waitErr), strings.TrimSpace(proc.stderr.String()))
	}

	m.release(proc)

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return fmt.Errorf("failed to read piper output: %w", err)
	}

	fragment, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("invalid piper output: %w", err)
	}

	if fragment.Format != m.format {
		return fmt.Errorf("%w: voice config says %s, piper wrote %s",
			core.ErrFormatMismatch, m.format, fragment.Format)
	}

	return m.emitChunks(fragment, emit)
}

func (m *piperModel) emitChunks(fragment audio.Fragment, emit func(Chunk) error) error {
	samples := fragment.Samples

	for len(samples) > 0 {
		n := min(m.chunkBytes, len(samples))

		err := emit(Chunk{Format: fragment.Format, Samples: bytes.Clone(samples[:n])})
		if err != nil {
			return err
		}

		samples = samples[n:]
	}

	return nil
}

// piperProcess is one resident piper reading JSON lines on stdin and
// printing the path of each finished file on stdout.
type piperProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *tailBuffer

	stopOnce sync.Once
	waitErr  error
}

type lineResult struct {
	line string
	err  error
}

func (p *piperProcess) speak(ctx context.Context, text, outputPath string) error {
	request, err := sonic.Marshal(piperRequest{Text: text, OutputFile: outputPath})
	if err != nil {
		return fmt.Errorf("failed to encode piper request: %w", err)
	}

	_, err = p.stdin.Write(append(request, '\n'))
	if err != nil {
		return fmt.Errorf("failed to send text to piper: %w", err)
	}

	result := make(chan lineResult, 1)

	go func() {
		line, readErr := p.stdout.ReadString('\n')
		result <- lineResult{line: line, err: readErr}
	}()

	select {
	case <-ctx.Done():
		// The reader goroutine ends once the process is stopped.
		return ctx.Err()
	case res := <-result:
		if res.err != nil {
			return fmt.Errorf("failed to read piper reply: %w", res.err)
		}

		if strings.TrimSpace(res.line) == "" {
			return errors.New("piper replied with an empty line")
		}

		return nil
	}
}

// stop kills the process and reaps it. Safe to call more than once.
func (p *piperProcess) stop() error {
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.cmd.Process.Kill()
		p.waitErr = p.cmd.Wait()
	})

	return p.waitErr
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}

	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return string(b.buf)
}
