package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Playlist replays queued WAV files. Each Stream call consumes the next file
// in the queue; the remainder of a file is discarded when the consumer stops
// early.
type Playlist struct {
	mu            sync.Mutex
	queue         []string
	frameDuration time.Duration
}

func NewPlaylist(frameDuration time.Duration) *Playlist {
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	return &Playlist{frameDuration: frameDuration}
}

// Enqueue appends files to the queue.
func (p *Playlist) Enqueue(paths ...string) {
	p.mu.Lock()
	p.queue = append(p.queue, paths...)
	p.mu.Unlock()
}

// Len reports how many files are waiting.
func (p *Playlist) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Playlist) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	path := p.queue[0]
	p.queue = p.queue[1:]
	return path, true
}

func (p *Playlist) Stream(ctx context.Context, fn func(Frame) error) error {
	path, ok := p.next()
	if !ok {
		return ErrExhausted
	}
	samples, rate, err := ReadWAV(path)
	if err != nil {
		return err
	}
	return streamSamples(ctx, samples, rate, p.frameDuration, fn)
}

func streamSamples(ctx context.Context, samples []float32, rate int, frameDuration time.Duration, fn func(Frame) error) error {
	size := int(time.Duration(rate) * frameDuration / time.Second)
	if size <= 0 {
		size = len(samples)
	}
	start := time.Now()
	for off := 0; off < len(samples); off += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + size
		if end > len(samples) {
			end = len(samples)
		}
		frame := Frame{
			Samples:    samples[off:end],
			SampleRate: rate,
			Timestamp:  start.Add(time.Duration(off) * time.Second / time.Duration(rate)),
		}
		if err := fn(frame); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}
