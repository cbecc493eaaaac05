// Package capture provides the audio sources the classifier listens to.
//
// Every source delivers mono float32 frames normalized to [-1, 1]. A source
// streams until its context is cancelled, the callback returns an error, or
// the underlying audio ends.
package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStop may be returned by a frame callback to end streaming without
	// an error.
	ErrStop = errors.New("capture: stop")

	// ErrExhausted is returned when a finite source has no audio left.
	ErrExhausted = errors.New("capture: source exhausted")
)

// Frame is a block of mono samples.
type Frame struct {
	Samples    []float32
	SampleRate int
	Timestamp  time.Time
}

// Source streams audio frames to fn. Stream returns nil when fn returns
// ErrStop or when a finite source reaches its end.
type Source interface {
	Stream(ctx context.Context, fn func(Frame) error) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, fn func(Frame) error) error

func (f SourceFunc) Stream(ctx context.Context, fn func(Frame) error) error {
	return f(ctx, fn)
}

// pump forwards frames from ch to fn until ctx is done or fn stops.
func pump(ctx context.Context, ch <-chan Frame, fn func(Frame) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			if err := fn(frame); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
	}
}
