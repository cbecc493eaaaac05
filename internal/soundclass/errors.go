package soundclass

import "errors"

var (
	// ErrModelLoad means the base model or a persisted model could not be
	// acquired.
	ErrModelLoad = errors.New("model load failed")
	// ErrInsufficientData means Train was called with no examples.
	ErrInsufficientData = errors.New("add some examples before training")
	// ErrMode means the operation requires classifier mode.
	ErrMode = errors.New("not set to be a classifier")
	// ErrNoModel means Save found no trained transfer model.
	ErrNoModel = errors.New("no model found")
	// ErrStream is delivered through ResultFunc for unusable results and
	// listener failures.
	ErrStream = errors.New("classification stream error")
	// ErrInvalidOptions means merged classifier options are out of range.
	ErrInvalidOptions = errors.New("invalid classifier options")
)
