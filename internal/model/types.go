package model

import "errors"

const (
	Architecture = "ResNet50"

	// FeatureDim is the width of ResNet50's pooled feature vector.
	FeatureDim = 2048
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrClassMismatch = errors.New("class list mismatch")
)

// Info describes the loaded model.
type Info struct {
	Architecture string   `json:"architecture"`
	InputShape   []int64  `json:"input_shape"`
	FeatureDim   int      `json:"feature_dim"`
	Classes      []string `json:"classes"`
	HeadTrained  bool     `json:"head_trained"`
	HeadSource   string   `json:"head_source"`
}

// Checkpoint is the on-disk form of a trained classification head.
type Checkpoint struct {
	Classes []string    `json:"classes"`
	Weight  [][]float32 `json:"weight"`
	Bias    []float32   `json:"bias"`
}
