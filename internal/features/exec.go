package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-sound/internal/capture"
	"github.com/mattn/go-shellwords"
)

// Exec shells out to an external embedding model. The command receives
// "--audio <file.wav> --sample-rate <hz>" and prints {"embedding":[...]}.
type Exec struct {
	cmd        []string
	sampleRate int

	mu     sync.Mutex
	dim    int
	loaded bool
}

type execResult struct {
	Embedding []float32 `json:"embedding"`
}

func NewExec(command string, sampleRate int) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse extractor command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("extractor command is empty")
	}
	return &Exec{cmd: args, sampleRate: sampleRate}, nil
}

func (e *Exec) Name() string { return "exec" }

func (e *Exec) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

func (e *Exec) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("extractor command %q: %w", e.cmd[0], err)
	}
	e.mu.Lock()
	e.loaded = true
	e.mu.Unlock()
	return nil
}

func (e *Exec) Extract(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return nil, ErrNotLoaded
	}
	if e.sampleRate > 0 {
		samples = resample(samples, sampleRate, e.sampleRate)
		sampleRate = e.sampleRate
	}

	file, err := os.CreateTemp(os.TempDir(), "loqa_sound_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := capture.WriteWAV(file, samples, sampleRate); err != nil {
		return nil, err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--sample-rate", fmt.Sprint(sampleRate))
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("extractor command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode extractor response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("extractor returned an empty embedding")
	}
	if e.dim == 0 {
		e.dim = len(resp.Embedding)
	} else if len(resp.Embedding) != e.dim {
		return nil, fmt.Errorf("extractor returned %d values, want %d", len(resp.Embedding), e.dim)
	}
	return resp.Embedding, nil
}
