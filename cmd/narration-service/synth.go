package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/service"
	"github.com/spf13/cobra"
)

const outputFilePermissions = 0o644

var (
	errEitherTextOrFile  = errors.New("either --text or --file must be provided")
	errCannotSpecifyBoth = errors.New("cannot specify both --text and --file")
	errVoiceRequired     = errors.New("--voice is required")
)

type synthFlags struct {
	text   string
	file   string
	voice  string
	output string
}

func (f synthFlags) validate() error {
	switch {
	case f.text == "" && f.file == "":
		return errEitherTextOrFile
	case f.text != "" && f.file != "":
		return errCannotSpecifyBoth
	case f.voice == "":
		return errVoiceRequired
	default:
		return nil
	}
}

// input returns the text to narrate; "-" as file reads stdin.
func (f synthFlags) input(stdin io.Reader) (string, error) {
	if f.text != "" {
		return f.text, nil
	}

	if f.file == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}

		return string(data), nil
	}

	data, err := os.ReadFile(f.file)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", f.file, err)
	}

	return string(data), nil
}

func newSynthCmd() *cobra.Command {
	var flags synthFlags

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Narrate text locally and write a WAV file",
		Long: `synth runs the whole pipeline in this process, without the job store or
the queue, and writes the assembled audio to --output.`,
		Args: cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			return flags.validate()
		},
		RunE: withConfig(func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log *logger.Logger) error {
			input, err := flags.input(cmd.InOrStdin())
			if err != nil {
				return err
			}

			return runSynth(ctx, cmd.OutOrStdout(), cfg, log, input, flags.voice, flags.output)
		}),
	}

	cmd.Flags().StringVar(&flags.text, "text", "", "Text to narrate")
	cmd.Flags().StringVar(&flags.file, "file", "", "File holding the text to narrate (- for stdin)")
	cmd.Flags().StringVar(&flags.voice, "voice", "", "Voice id from the catalog")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "output.wav", "Output file path (.wav)")

	return cmd
}

func init() {
	rootCmd.AddCommand(newSynthCmd())
}

func runSynth(
	ctx context.Context,
	out io.Writer,
	cfg *config.Config,
	log *logger.Logger,
	input, voiceID, outputPath string,
) error {
	narr, err := newNarrator(cfg, log, nil)
	if err != nil {
		return err
	}

	pipe, err := narr.pipeline(nil, nil)
	if err != nil {
		return err
	}

	svc, err := service.New(service.Options{
		Pipeline: pipe,
		Voices:   narr.catalog,
		Cache:    narr.cache,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	rendering, err := svc.SynthesizeSync(ctx, input, voiceID)
	if err != nil {
		return err
	}

	mkdirErr := os.MkdirAll(filepath.Dir(outputPath), 0o750)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create output directory: %w", mkdirErr)
	}

	writeErr := os.WriteFile(outputPath, rendering.Audio, outputFilePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, writeErr)
	}

	_, _ = fmt.Fprintf(out, "Generated: %s (%d/%d segments, %s, %s)\n",
		outputPath, rendering.Produced, rendering.Total,
		rendering.Duration.Round(time.Millisecond), rendering.Format)

	return nil
}
