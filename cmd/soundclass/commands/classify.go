package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-sound/internal/soundclass"
)

var (
	classifyModel string
	classifyTopK  int
	classifyJSON  bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify FILE...",
	Short: "Classify WAV files with a saved classifier",
	Long: `Load the classifier saved under --model and print the ranked
predictions for every window of each WAV file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyModel, "model", "m", "", "saved model location (defaults to control.model_path)")
	classifyCmd.Flags().IntVarP(&classifyTopK, "top-k", "k", 3, "predictions per window, 0 for all")
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "print one JSON object per window")
	rootCmd.AddCommand(classifyCmd)
}

type windowResult struct {
	File        string                  `json:"file"`
	Window      int                     `json:"window"`
	Predictions []soundclass.Prediction `json:"predictions"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	model := classifyModel
	if model == "" {
		model = cfg.Control.ModelPath
	}

	ctx := cmd.Context()
	p, err := newPipeline(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := p.ext.Load(ctx, model); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	enc := json.NewEncoder(w)
	for _, file := range args {
		var (
			mu      sync.Mutex
			window  int
			lastErr error
		)
		p.playlist.Enqueue(file)
		err := p.ext.Classify(ctx, soundclass.ClassifyRequest{TopK: classifyTopK}, func(preds []soundclass.Prediction, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			res := windowResult{File: file, Window: window, Predictions: preds}
			window++
			if classifyJSON {
				_ = enc.Encode(res)
				return
			}
			fmt.Fprintf(w, "%s #%d %s\n", file, res.Window, formatPredictions(preds))
		})
		if err != nil {
			return err
		}
		if err := p.ext.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		mu.Lock()
		err = lastErr
		mu.Unlock()
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
	}
	return nil
}

func formatPredictions(preds []soundclass.Prediction) string {
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = fmt.Sprintf("%s=%.3f", p.Label, p.Confidence)
	}
	return strings.Join(parts, " ")
}
