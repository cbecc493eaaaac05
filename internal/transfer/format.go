package transfer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	headFormat  = "loqa-sound/softmax-head"
	generatedBy = "loqa-sound"
)

// ModelArtifacts is the content of model.json.
type ModelArtifacts struct {
	Format      string          `json:"format"`
	GeneratedBy string          `json:"generatedBy"`
	Topology    json.RawMessage `json:"modelTopology"`
	WeightSpecs []WeightSpec    `json:"weightSpecs"`
	WeightData  []byte          `json:"weightData"`
}

// WeightSpec locates one tensor inside WeightData.
type WeightSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// Metadata is the content of metadata.json.
type Metadata struct {
	WordLabels       []string  `json:"wordLabels"`
	ModelName        string    `json:"modelName"`
	FeatureExtractor string    `json:"featureExtractor"`
	FeatureDimension int       `json:"featureDimension"`
	SampleRate       int       `json:"sampleRate"`
	WindowMS         int       `json:"windowMs"`
	Timestamp        time.Time `json:"timestamp"`
}

type headTopology struct {
	Type        string `json:"type"`
	InputDim    int    `json:"inputDim"`
	Classes     int    `json:"classes"`
	Standardize bool   `json:"standardize"`
}

// DecodeMetadata parses metadata.json.
func DecodeMetadata(data []byte) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// DecodeModel parses model.json.
func DecodeModel(data []byte) (ModelArtifacts, error) {
	var ma ModelArtifacts
	if err := json.Unmarshal(data, &ma); err != nil {
		return ModelArtifacts{}, fmt.Errorf("decode model: %w", err)
	}
	return ma, nil
}

// weights is the trained state of a Head.
type weights struct {
	mean   []float64
	std    []float64
	kernel [][]float64 // classes x dim
	bias   []float64
}

func (w *weights) dim() int     { return len(w.mean) }
func (w *weights) classes() int { return len(w.bias) }

func encodeWeights(w *weights) (ModelArtifacts, error) {
	dim, classes := w.dim(), w.classes()
	topo, err := json.Marshal(headTopology{Type: "softmax", InputDim: dim, Classes: classes, Standardize: true})
	if err != nil {
		return ModelArtifacts{}, err
	}
	specs := []WeightSpec{
		{Name: "standardize/mean", Shape: []int{dim}, DType: "float32"},
		{Name: "standardize/std", Shape: []int{dim}, DType: "float32"},
		{Name: "dense/kernel", Shape: []int{classes, dim}, DType: "float32"},
		{Name: "dense/bias", Shape: []int{classes}, DType: "float32"},
	}
	data := make([]byte, 0, 4*(2*dim+classes*dim+classes))
	data = appendFloats(data, w.mean)
	data = appendFloats(data, w.std)
	for _, row := range w.kernel {
		data = appendFloats(data, row)
	}
	data = appendFloats(data, w.bias)
	return ModelArtifacts{
		Format:      headFormat,
		GeneratedBy: generatedBy,
		Topology:    topo,
		WeightSpecs: specs,
		WeightData:  data,
	}, nil
}

func decodeWeights(ma ModelArtifacts) (*weights, error) {
	if ma.Format != headFormat {
		return nil, fmt.Errorf("unsupported model format %q", ma.Format)
	}
	var topo headTopology
	if err := json.Unmarshal(ma.Topology, &topo); err != nil {
		return nil, fmt.Errorf("decode topology: %w", err)
	}
	if topo.InputDim <= 0 || topo.Classes <= 0 {
		return nil, fmt.Errorf("invalid topology %+v", topo)
	}
	want := 4 * (2*topo.InputDim + topo.Classes*topo.InputDim + topo.Classes)
	if len(ma.WeightData) != want {
		return nil, fmt.Errorf("weight data has %d bytes, want %d", len(ma.WeightData), want)
	}
	data := ma.WeightData
	w := &weights{}
	w.mean, data = readFloats(data, topo.InputDim)
	w.std, data = readFloats(data, topo.InputDim)
	w.kernel = make([][]float64, topo.Classes)
	for c := range w.kernel {
		w.kernel[c], data = readFloats(data, topo.InputDim)
	}
	w.bias, _ = readFloats(data, topo.Classes)
	return w, nil
}

func appendFloats(dst []byte, v []float64) []byte {
	for _, x := range v {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(x)))
	}
	return dst
}

func readFloats(src []byte, n int) ([]float64, []byte) {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:])))
	}
	return out, src[4*n:]
}
