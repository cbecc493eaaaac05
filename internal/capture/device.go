package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-sound/internal/config"
)

// DeviceSource captures from the default microphone.
type DeviceSource struct {
	sampleRate int
	channels   int
	periodMS   int
	log        *slog.Logger
	dropped    atomic.Int64
}

func NewDeviceSource(cfg config.AudioConfig, log *slog.Logger) *DeviceSource {
	period := cfg.FrameDurationMS
	if period <= 0 {
		period = 20
	}
	return &DeviceSource{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		periodMS:   period,
		log:        log.With(slog.String("component", "capture.device")),
	}
}

// Dropped reports how many periods were discarded because the consumer fell behind.
func (d *DeviceSource) Dropped() int64 {
	return d.dropped.Load()
}

func (d *DeviceSource) Stream(ctx context.Context, fn func(Frame) error) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.PeriodSizeInMilliseconds = uint32(d.periodMS)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(d.channels)
	deviceConfig.SampleRate = uint32(d.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	frames := make(chan Frame, 64)
	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			frame := Frame{
				Samples:    DecodePCM16(input, d.channels),
				SampleRate: d.sampleRate,
				Timestamp:  time.Now(),
			}
			select {
			case frames <- frame:
			default:
				d.dropped.Add(1)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	d.log.Debug("capture started", slog.Int("sample_rate", d.sampleRate), slog.Int("channels", d.channels))
	defer func() {
		if err := device.Stop(); err != nil {
			d.log.Warn("stop capture device", slog.String("error", err.Error()))
		}
	}()

	return pump(ctx, frames, fn)
}
