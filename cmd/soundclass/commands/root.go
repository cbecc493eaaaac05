package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-sound/internal/capture"
	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/loqalabs/loqa-sound/internal/examples"
	"github.com/loqalabs/loqa-sound/internal/features"
	"github.com/loqalabs/loqa-sound/internal/soundclass"
	"github.com/loqalabs/loqa-sound/internal/storage"
	"github.com/loqalabs/loqa-sound/internal/transfer"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "soundclass",
	Short: "Train and run audio classifiers from WAV files",
	Long: `soundclass - offline companion to the soundclassd daemon.

It uses the same configuration file as the daemon. Only the model,
training, listener, examples and storage sections are read; audio always
comes from the WAV files given on the command line.

Examples:
  # Train from dataset/<label>/*.wav and save under ./data/models/pets
  soundclass train dataset --out pets

  # Classify a recording with the saved model
  soundclass classify --model pets clip.wav

  # Show what a saved model contains
  soundclass inspect pets`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (defaults are used when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// pipeline is an extractor fed from a playlist of WAV files.
type pipeline struct {
	ext      *soundclass.Extractor
	playlist *capture.Playlist
	store    examples.Store
}

func (p *pipeline) Close() error {
	return p.store.Close()
}

func newPipeline(ctx context.Context, cfg config.Config, log *slog.Logger) (*pipeline, error) {
	fe, err := features.New(cfg.Model)
	if err != nil {
		return nil, err
	}
	blobs, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open model storage: %w", err)
	}
	store, err := examples.Open(cfg.Examples, log)
	if err != nil {
		return nil, fmt.Errorf("open example store: %w", err)
	}
	playlist := capture.NewPlaylist(time.Duration(cfg.Audio.FrameDurationMS) * time.Millisecond)
	base := transfer.NewNative(fe, playlist, store, transfer.NativeConfig{
		ModelName:  cfg.Model.Name,
		SampleRate: cfg.Model.SampleRate,
		WindowMS:   cfg.Model.WindowMS,
	}, log)

	ext, err := soundclass.New(base, blobs,
		soundclass.WithLogger(log),
		soundclass.WithTraining(cfg.Training),
		soundclass.WithOptions(soundclass.OptionsFromConfig(cfg.Listener)),
	).Ready(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &pipeline{ext: ext, playlist: playlist, store: store}, nil
}
