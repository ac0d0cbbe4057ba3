package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/catalog"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/spf13/cobra"
)

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the voices of the catalog",
	Args:  cobra.NoArgs,
	RunE: withConfig(func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log *logger.Logger) error {
		return listVoices(ctx, cmd.OutOrStdout(), catalog.New(catalog.Options{
			ModelsDir:    cfg.Voices.ModelsDir,
			ManifestPath: cfg.Voices.CatalogFile,
			Logger:       log,
		}))
	}),
}

func init() {
	rootCmd.AddCommand(voicesCmd)
}

func listVoices(ctx context.Context, out io.Writer, voices *catalog.Catalog) error {
	list, err := voices.List(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(writer, "ID\tLANGUAGE\tENGINE\tAVAILABLE\tNAME")

	for _, voice := range list {
		_, _ = fmt.Fprintf(writer, "%s\t%s\t%s\t%t\t%s\n",
			voice.ID, voice.Language, voice.Engine, voice.Available, voice.DisplayName)
	}

	return writer.Flush()
}
