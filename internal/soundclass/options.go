package soundclass

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/loqalabs/loqa-sound/internal/transfer"
)

// Options configure classification sessions. Nil fields leave the current
// value untouched when merged.
type Options struct {
	ProbabilityThreshold *float64 `json:"probability_threshold,omitempty"`
	OverlapFactor        *float64 `json:"overlap_factor,omitempty"`
	InvokeOnUnknown      *bool    `json:"invoke_on_unknown,omitempty"`
	IncludeEmbedding     *bool    `json:"include_embedding,omitempty"`
}

// OptionsFromConfig seeds Options from the listener section.
func OptionsFromConfig(cfg config.ListenerConfig) Options {
	return Options{
		ProbabilityThreshold: &cfg.ProbabilityThreshold,
		OverlapFactor:        &cfg.OverlapFactor,
		InvokeOnUnknown:      &cfg.InvokeOnUnknown,
		IncludeEmbedding:     &cfg.IncludeEmbedding,
	}
}

// Merge returns o with every field set in other overriding it. A nil other
// is ignored.
func (o Options) Merge(other *Options) Options {
	if other == nil {
		return o
	}
	if other.ProbabilityThreshold != nil {
		v := *other.ProbabilityThreshold
		o.ProbabilityThreshold = &v
	}
	if other.OverlapFactor != nil {
		v := *other.OverlapFactor
		o.OverlapFactor = &v
	}
	if other.InvokeOnUnknown != nil {
		v := *other.InvokeOnUnknown
		o.InvokeOnUnknown = &v
	}
	if other.IncludeEmbedding != nil {
		v := *other.IncludeEmbedding
		o.IncludeEmbedding = &v
	}
	return o
}

// Validate checks the ranges the listener accepts: an overlap factor in
// [0, 1) and a probability threshold in [0, 1].
func (o Options) Validate() error {
	if o.OverlapFactor != nil {
		if v := *o.OverlapFactor; !(v >= 0 && v < 1) {
			return fmt.Errorf("%w: overlap_factor %v not in [0, 1)", ErrInvalidOptions, v)
		}
	}
	if o.ProbabilityThreshold != nil {
		if v := *o.ProbabilityThreshold; !(v >= 0 && v <= 1) {
			return fmt.Errorf("%w: probability_threshold %v not in [0, 1]", ErrInvalidOptions, v)
		}
	}
	return nil
}

func (o Options) listenOptions() transfer.ListenOptions {
	var lo transfer.ListenOptions
	if o.ProbabilityThreshold != nil {
		lo.ProbabilityThreshold = *o.ProbabilityThreshold
	}
	if o.OverlapFactor != nil {
		lo.OverlapFactor = *o.OverlapFactor
	}
	if o.InvokeOnUnknown != nil {
		lo.InvokeOnUnknown = *o.InvokeOnUnknown
	}
	if o.IncludeEmbedding != nil {
		lo.IncludeEmbedding = *o.IncludeEmbedding
	}
	return lo
}

// Prediction is one ranked label.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// topK ranks scores against labels and keeps the k best. Ties keep label
// order.
func topK(labels []string, scores []float32, k int) []Prediction {
	n := min(len(labels), len(scores))
	if k <= 0 || k > n {
		k = n
	}
	preds := make([]Prediction, n)
	for i := 0; i < n; i++ {
		preds[i] = Prediction{Label: labels[i], Confidence: float64(scores[i])}
	}
	sort.SliceStable(preds, func(a, b int) bool { return preds[a].Confidence > preds[b].Confidence })
	return preds[:k]
}

// LabelOf formats a string or numeric label.
func LabelOf(v any) string {
	switch l := v.(type) {
	case string:
		return l
	case int:
		return strconv.Itoa(l)
	case int32:
		return strconv.FormatInt(int64(l), 10)
	case int64:
		return strconv.FormatInt(l, 10)
	case uint:
		return strconv.FormatUint(uint64(l), 10)
	case uint32:
		return strconv.FormatUint(uint64(l), 10)
	case uint64:
		return strconv.FormatUint(l, 10)
	case float32:
		return strconv.FormatFloat(float64(l), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(l, 'g', -1, 64)
	case fmt.Stringer:
		return l.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(l)
	}
}
