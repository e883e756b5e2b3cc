package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/ingest"
	"github.com/homenest/nous/internal/model"
)

var (
	importFile    string
	importMode    string
	importConfirm string
	importSource  string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Preview or import a lead file (CSV or XLSX)",
}

var importPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Summarize a lead file without writing anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rows, err := ingest.ReadFile(importFile)
		if err != nil {
			return err
		}
		return printJSON(cmd, ingest.Preview(rows))
	},
}

var importRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Import a lead file into the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("import"); err != nil {
			return err
		}
		mode, err := model.ParseImportMode(importMode)
		if err != nil {
			return err
		}
		rows, err := ingest.ReadFile(importFile)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		source := importSource
		if source == "" {
			source = cfg.Import.Source
		}
		log := zap.L().With(zap.String("file", importFile), zap.String("mode", string(mode)))
		res, err := ingest.NewImporter(st).Run(ctx, rows, ingest.Options{
			Mode:      mode,
			Confirm:   importConfirm,
			Source:    source,
			MaxErrors: cfg.Import.MaxErrors,
			OnProgress: func(p model.ImportProgress) {
				if p.Current%500 == 0 || p.Current == p.Total {
					log.Info("import progress", zap.Int("current", p.Current), zap.Int("total", p.Total))
				}
			},
		})
		if err != nil {
			return err
		}

		log.Info("import complete",
			zap.Int("imported", res.PropertiesImported),
			zap.Int("duplicates", res.DuplicatesSkipped),
			zap.Int("errors", res.Errors),
		)
		return printJSON(cmd, res)
	},
}

func init() {
	for _, c := range []*cobra.Command{importPreviewCmd, importRunCmd} {
		c.Flags().StringVar(&importFile, "file", "", "path to the lead file (required)")
		_ = c.MarkFlagRequired("file")
	}
	importRunCmd.Flags().StringVar(&importMode, "mode", "append", "append or replace")
	importRunCmd.Flags().StringVar(&importConfirm, "confirm", "", `confirmation text, must be "DELETE" for replace`)
	importRunCmd.Flags().StringVar(&importSource, "source", "", "provenance label (default from config)")

	importCmd.AddCommand(importPreviewCmd, importRunCmd)
	rootCmd.AddCommand(importCmd)
}
