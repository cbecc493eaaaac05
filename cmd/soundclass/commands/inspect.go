package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-sound/internal/artifact"
	"github.com/loqalabs/loqa-sound/internal/storage"
	"github.com/loqalabs/loqa-sound/internal/transfer"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [LOCATION]",
	Short: "Print the metadata and weights layout of a saved classifier",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

type inspectReport struct {
	Location    string                `json:"location"`
	Metadata    transfer.Metadata     `json:"metadata"`
	Format      string                `json:"format"`
	GeneratedBy string                `json:"generatedBy,omitempty"`
	WeightSpecs []transfer.WeightSpec `json:"weightSpecs"`
	WeightBytes int                   `json:"weightBytes"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	location := cfg.Control.ModelPath
	if len(args) == 1 {
		location = args[0]
	}
	blobs, err := storage.Open(cfg.Storage)
	if err != nil {
		return err
	}
	bundle, err := artifact.Open(cmd.Context(), blobs, artifact.Dir(location))
	if err != nil {
		return fmt.Errorf("open %s: %w", location, err)
	}
	md, err := transfer.DecodeMetadata(bundle.Metadata)
	if err != nil {
		return err
	}
	model, err := transfer.DecodeModel(bundle.Model)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(inspectReport{
		Location:    location,
		Metadata:    md,
		Format:      model.Format,
		GeneratedBy: model.GeneratedBy,
		WeightSpecs: model.WeightSpecs,
		WeightBytes: len(model.WeightData),
	})
}
