package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-sound/internal/capture"
)

func writeTone(t *testing.T, path string, freq float64) {
	t.Helper()
	const rate = 16000
	samples := make([]float32, rate/2)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := capture.WriteWAV(f, samples, rate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("soundclass %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestDiscoverDataset(t *testing.T) {
	dir := t.TempDir()
	writeTone(t, filepath.Join(dir, "low", "b.wav"), 300)
	writeTone(t, filepath.Join(dir, "low", "a.wav"), 300)
	writeTone(t, filepath.Join(dir, "high", "a.wav"), 3000)
	if err := os.WriteFile(filepath.Join(dir, "high", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".cache"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := discoverDataset(dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %+v", files)
	}
	if files[0].Label != "high" || files[1].Label != "low" || filepath.Base(files[1].Path) != "a.wav" {
		t.Fatalf("unexpected order %+v", files)
	}

	if _, err := discoverDataset(t.TempDir()); err == nil {
		t.Fatal("expected error for empty dataset")
	}
}

func TestTrainClassifyInspect(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "dataset")
	for _, f := range []float64{290, 300, 310} {
		writeTone(t, filepath.Join(dataset, "low", fmt.Sprintf("%.0f.wav", f)), f)
	}
	for _, f := range []float64{2900, 3000, 3100} {
		writeTone(t, filepath.Join(dataset, "high", fmt.Sprintf("%.0f.wav", f)), f)
	}
	clip := filepath.Join(dir, "clip.wav")
	writeTone(t, clip, 3050)

	cfgPath := filepath.Join(dir, "loqa-sound.yaml")
	cfg := fmt.Sprintf(`model:
  window_ms: 250
training:
  epochs: 30
  batch_size: 4
  learning_rate: 0.5
  seed: 7
storage:
  dir: %s
event_store:
  path: %s
`, filepath.Join(dir, "models"), filepath.Join(dir, "journal.db"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	out := run(t, "--config", cfgPath, "train", dataset, "--out", "tones")
	if !strings.Contains(out, "collected 6 examples") || !strings.Contains(out, "epoch 30/30") {
		t.Fatalf("unexpected train output:\n%s", out)
	}
	if !strings.Contains(out, "labels high, low") {
		t.Fatalf("expected sorted labels in output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "models", "tones", "model.json")); err != nil {
		t.Fatalf("expected saved model: %v", err)
	}

	out = run(t, "--config", cfgPath, "inspect", "tones/model.json")
	var report inspectReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode inspect output: %v\n%s", err, out)
	}
	if len(report.Metadata.WordLabels) != 2 || report.Metadata.FeatureExtractor != "logmel" || report.WeightBytes == 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	out = run(t, "--config", cfgPath, "classify", "--model", "tones", "--top-k", "1", "--json", clip)
	sc := bufio.NewScanner(strings.NewReader(out))
	windows := 0
	for sc.Scan() {
		var res windowResult
		if err := json.Unmarshal(sc.Bytes(), &res); err != nil {
			t.Fatalf("decode classify line %q: %v", sc.Text(), err)
		}
		if len(res.Predictions) != 1 || res.Predictions[0].Label != "high" {
			t.Fatalf("expected high prediction, got %+v", res)
		}
		windows++
	}
	if windows == 0 {
		t.Fatalf("expected at least one window, output:\n%s", out)
	}
}

func TestFormatPredictions(t *testing.T) {
	if got := formatPredictions(nil); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
