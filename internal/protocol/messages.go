package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Prediction is one ranked label of a classification result.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ClassificationResult is broadcast for every window the classifier scores.
type ClassificationResult struct {
	NodeID      string       `json:"node_id"`
	Predictions []Prediction `json:"predictions,omitempty"`
	Error       string       `json:"error,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// TrainingProgress is published after every epoch and once when training completes.
type TrainingProgress struct {
	NodeID    string    `json:"node_id"`
	Epoch     int       `json:"epoch"`
	Loss      string    `json:"loss,omitempty"`
	Done      bool      `json:"done"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest carries the parameters of every control operation. Unused
// fields are ignored by the handler.
type ControlRequest struct {
	Label   string          `json:"label,omitempty"`
	TopK    int             `json:"top_k,omitempty"`
	Path    string          `json:"path,omitempty"`
	Options *ListenerParams `json:"options,omitempty"`
}

// ListenerParams mirrors the optional classifier options.
type ListenerParams struct {
	ProbabilityThreshold *float64 `json:"probability_threshold,omitempty"`
	OverlapFactor        *float64 `json:"overlap_factor,omitempty"`
	InvokeOnUnknown      *bool    `json:"invoke_on_unknown,omitempty"`
	IncludeEmbedding     *bool    `json:"include_embedding,omitempty"`
}

// ControlReply is returned for every control request.
type ControlReply struct {
	OK         bool           `json:"ok"`
	Code       string         `json:"code,omitempty"`
	Error      string         `json:"error,omitempty"`
	State      string         `json:"state,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	WordLabels []string       `json:"word_labels,omitempty"`
	Examples   map[string]int `json:"examples,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"

	SubjectClassification = "ctrl.classification"
	SubjectExample        = "ctrl.example"
	SubjectTrain          = "ctrl.train"
	SubjectClassify       = "ctrl.classify"
	SubjectStop           = "ctrl.stop"
	SubjectSave           = "ctrl.save"
	SubjectLoad           = "ctrl.load"
	SubjectStatus         = "ctrl.status"

	SubjectTrainProgress  = "train.progress"
	SubjectClassifyResult = "classify.result"
	SubjectClassifyError  = "classify.error"
)

// Subject joins the configured prefix with a relative subject.
func Subject(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return prefix + "." + rel
}
