package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-sound/internal/soundclass"
)

var (
	trainOut    string
	trainEpochs int
)

var trainCmd = &cobra.Command{
	Use:   "train DATASET",
	Short: "Train a classifier from labelled WAV files",
	Long: `Train a transfer classifier from DATASET/<label>/*.wav.

Every WAV file becomes one example of the label named by its directory.
Files longer than the model window are truncated. Shorter ones are kept at
their own length; the feature extractor zero-fills only what it needs to
form a single spectrogram frame.
The trained model is saved under --out in the configured storage.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVarP(&trainOut, "out", "o", "", "save location (defaults to control.model_path)")
	trainCmd.Flags().IntVar(&trainEpochs, "epochs", 0, "override training.epochs")
	rootCmd.AddCommand(trainCmd)
}

type labelledFile struct {
	Label string
	Path  string
}

// discoverDataset lists dir/<label>/*.wav in label then file name order.
func discoverDataset(dir string) ([]labelledFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var files []labelledFile
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(dir, entry.Name(), "*.wav"))
		if err != nil {
			return nil, err
		}
		slices.Sort(matches)
		for _, m := range matches {
			files = append(files, labelledFile{Label: entry.Name(), Path: m})
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no WAV files found under %s/<label>/", dir)
	}
	return files, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if trainEpochs > 0 {
		cfg.Training.Epochs = trainEpochs
	}
	out := trainOut
	if out == "" {
		out = cfg.Control.ModelPath
	}
	files, err := discoverDataset(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	p, err := newPipeline(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := p.ext.Classification(ctx, nil); err != nil {
		return err
	}
	for _, f := range files {
		p.playlist.Enqueue(f.Path)
		if _, err := p.ext.AddExample(ctx, soundclass.ExampleRequest{Label: f.Label}); err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "collected %d examples\n", len(files))

	err = p.ext.Train(ctx, func(pr soundclass.Progress) {
		if pr.Done {
			return
		}
		fmt.Fprintf(w, "epoch %d/%d loss %s\n", pr.Epoch+1, cfg.Training.Epochs, pr.Loss)
	})
	if err != nil {
		return err
	}
	if err := p.ext.Save(ctx, out); err != nil {
		return err
	}
	fmt.Fprintf(w, "saved %s with labels %s\n", out, strings.Join(p.ext.WordLabels(), ", "))
	return nil
}
