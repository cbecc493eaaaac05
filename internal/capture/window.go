package capture

// Windower cuts a continuous stream into fixed-size windows that advance by
// hop samples.
type Windower struct {
	size int
	hop  int
	buf  []float32
}

func NewWindower(size, hop int) *Windower {
	if hop <= 0 || hop > size {
		hop = size
	}
	return &Windower{size: size, hop: hop, buf: make([]float32, 0, size*2)}
}

// Push appends samples and calls emit for every complete window. The slice
// passed to emit is owned by the callee.
func (w *Windower) Push(samples []float32, emit func([]float32) error) error {
	w.buf = append(w.buf, samples...)
	for len(w.buf) >= w.size {
		window := make([]float32, w.size)
		copy(window, w.buf[:w.size])
		w.buf = append(w.buf[:0], w.buf[w.hop:]...)
		if err := emit(window); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports how many buffered samples have not yet formed a window.
func (w *Windower) Pending() int {
	return len(w.buf)
}

// Reset drops buffered samples.
func (w *Windower) Reset() {
	w.buf = w.buf[:0]
}

// Flush emits the buffered samples as a final short window, if any.
func (w *Windower) Flush(emit func([]float32) error) error {
	if len(w.buf) == 0 {
		return nil
	}
	window := make([]float32, len(w.buf))
	copy(window, w.buf)
	w.buf = w.buf[:0]
	return emit(window)
}
