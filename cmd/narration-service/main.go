// main package for the narration-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/spf13/cobra"
)

const (
	bootstrapLogFile = "narration-service-bootstrap.log"
	serviceLogFile   = "narration-service.log"
)

var rootCmd = &cobra.Command{
	Use:   "narration-service",
	Short: "Turns text into narrated WAV audio",
	Long: `narration-service segments text, synthesizes each segment with a cached
voice model and assembles the result into one WAV file.

Jobs are served over HTTP, either inline or queued to NATS JetStream workers.`,
	SilenceUsage: true,
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

// bootstrap loads the configuration with a temporary logger, then opens the
// service logger in the configured logs directory.
func bootstrap() (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return nil, nil, err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, nil, err
	}

	return cfg, finalLog, nil
}

// withConfig adapts a command body that needs the loaded configuration.
func withConfig(body func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log *logger.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}

		defer func() {
			closeErr := log.Close()
			if closeErr != nil {
				fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
			}
		}()

		return body(cmd.Context(), cmd, cfg, log)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
