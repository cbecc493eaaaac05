package capture_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sound/internal/bus"
	"github.com/loqalabs/loqa-sound/internal/capture"
	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/loqalabs/loqa-sound/internal/natsserver"
	"github.com/loqalabs/loqa-sound/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusSourceDeliversFrames(t *testing.T) {
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "capture-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	src := capture.NewBusSource(client.Conn(), "kitchen", 16000, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan capture.Frame, 1)
	done := make(chan error, 1)
	go func() {
		done <- src.Stream(ctx, func(f capture.Frame) error {
			got <- f
			return capture.ErrStop
		})
	}()

	pcm := capture.EncodePCM16([]float32{0.1, 0.2, 0.3, 0.4})
	deadline := time.After(3 * time.Second)
	for {
		if err := client.PublishJSON(src.Subject(), protocol.AudioFrame{SessionID: "s", Channels: 1, PCM: pcm}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case f := <-got:
			if len(f.Samples) != 4 {
				t.Fatalf("expected 4 samples, got %d", len(f.Samples))
			}
			if f.SampleRate != 16000 {
				t.Fatalf("expected default sample rate, got %d", f.SampleRate)
			}
			if err := <-done; err != nil {
				t.Fatalf("stream returned %v", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		}
	}
}
