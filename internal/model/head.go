package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
)

// Head is the replacement fully-connected layer: logits = W x + b.
type Head struct {
	weight  [][]float32 // [out][in]
	bias    []float32
	source  string
	trained bool
}

// NewHead returns a freshly initialised, untrained layer. Weights and bias are
// drawn uniformly from [-1/sqrt(in), 1/sqrt(in)], the default for a new
// torch.nn.Linear. The same seed always yields the same head.
func NewHead(in, out int, seed uint64) (*Head, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("invalid head dimensions %dx%d: %w", out, in, ErrShapeMismatch)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	bound := 1 / math.Sqrt(float64(in))
	uniform := func() float32 {
		return float32((rng.Float64()*2 - 1) * bound)
	}

	weight := make([][]float32, out)
	for o := range weight {
		row := make([]float32, in)
		for i := range row {
			row[i] = uniform()
		}
		weight[o] = row
	}
	bias := make([]float32, out)
	for o := range bias {
		bias[o] = uniform()
	}

	return &Head{weight: weight, bias: bias, source: fmt.Sprintf("random:seed=%d", seed)}, nil
}

// LoadHead reads a trained head from a JSON checkpoint. The checkpoint's
// class list must match Classes exactly, in order.
func LoadHead(path string) (*Head, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read head checkpoint: %w", err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to parse head checkpoint: %w", err)
	}

	h, err := headFromCheckpoint(ckpt)
	if err != nil {
		return nil, fmt.Errorf("head checkpoint %s: %w", path, err)
	}
	h.source = path
	h.trained = true
	return h, nil
}

func headFromCheckpoint(ckpt Checkpoint) (*Head, error) {
	if len(ckpt.Classes) != NumClasses() {
		return nil, fmt.Errorf("%d classes, want %d: %w", len(ckpt.Classes), NumClasses(), ErrClassMismatch)
	}
	for i, c := range ckpt.Classes {
		if !IsLabel(c) {
			return nil, fmt.Errorf("class %d %q is not a known label: %w", i, c, ErrClassMismatch)
		}
		if c != Classes[i] {
			return nil, fmt.Errorf("class %d is %q, want %q: %w", i, c, Classes[i], ErrClassMismatch)
		}
	}
	if len(ckpt.Weight) != NumClasses() || len(ckpt.Bias) != NumClasses() {
		return nil, fmt.Errorf("weight has %d rows and bias %d entries, want %d: %w",
			len(ckpt.Weight), len(ckpt.Bias), NumClasses(), ErrShapeMismatch)
	}
	in := len(ckpt.Weight[0])
	if in == 0 {
		return nil, fmt.Errorf("empty weight rows: %w", ErrShapeMismatch)
	}
	for i, row := range ckpt.Weight {
		if len(row) != in {
			return nil, fmt.Errorf("weight row %d has %d columns, want %d: %w", i, len(row), in, ErrShapeMismatch)
		}
	}
	return &Head{weight: ckpt.Weight, bias: ckpt.Bias}, nil
}

func (h *Head) In() int  { return len(h.weight[0]) }
func (h *Head) Out() int { return len(h.weight) }

// Trained reports whether the weights came from a checkpoint.
func (h *Head) Trained() bool { return h.trained }

func (h *Head) Source() string { return h.source }

// Apply computes the logits for one feature vector.
func (h *Head) Apply(features []float32) ([]float32, error) {
	if len(features) != h.In() {
		return nil, fmt.Errorf("got %d features, head expects %d: %w", len(features), h.In(), ErrShapeMismatch)
	}
	logits := make([]float32, h.Out())
	for o, row := range h.weight {
		var acc float64
		for i, w := range row {
			acc += float64(w) * float64(features[i])
		}
		logits[o] = float32(acc) + h.bias[o]
	}
	return logits, nil
}
