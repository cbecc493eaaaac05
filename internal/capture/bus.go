package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sound/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource receives protocol.AudioFrame messages published by edge devices.
type BusSource struct {
	conn       *nats.Conn
	subject    string
	sampleRate int
	log        *slog.Logger
}

// NewBusSource listens on audio.frame.<stream>. Frames without a sample rate
// are assumed to be at sampleRate.
func NewBusSource(conn *nats.Conn, stream string, sampleRate int, log *slog.Logger) *BusSource {
	return &BusSource{
		conn:       conn,
		subject:    protocol.SubjectAudioFramePrefix + "." + stream,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "capture.bus")),
	}
}

func (b *BusSource) Subject() string {
	return b.subject
}

func (b *BusSource) Stream(ctx context.Context, fn func(Frame) error) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := b.conn.ChanSubscribe(b.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			var frame protocol.AudioFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				b.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
				continue
			}
			if len(frame.PCM) == 0 {
				continue
			}
			rate := frame.SampleRate
			if rate <= 0 {
				rate = b.sampleRate
			}
			err := fn(Frame{
				Samples:    DecodePCM16(frame.PCM, frame.Channels),
				SampleRate: rate,
				Timestamp:  time.Now(),
			})
			if err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
	}
}
