package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sound/internal/bus"
	"github.com/loqalabs/loqa-sound/internal/capture"
	"github.com/loqalabs/loqa-sound/internal/config"
)

func newSource(cfg config.AudioConfig, client *bus.Client, log *slog.Logger) (capture.Source, error) {
	switch cfg.Source {
	case "device":
		return capture.NewDeviceSource(cfg, log), nil
	case "bus":
		if client == nil {
			return nil, fmt.Errorf("audio source %q requires a bus connection", cfg.Source)
		}
		return capture.NewBusSource(client.Conn(), cfg.Stream, cfg.SampleRate, log), nil
	case "file":
		p := capture.NewPlaylist(time.Duration(cfg.FrameDurationMS) * time.Millisecond)
		p.Enqueue(cfg.Files...)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
}
