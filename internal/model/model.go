package model

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Backbone is the frozen feature extractor.
type Backbone interface {
	Features(ctx context.Context, input []float32) ([]float32, error)
	FeatureDim() int
}

// Model is a backbone followed by the classification head. It is built once
// and never mutated, so one instance serves every request.
type Model struct {
	backbone Backbone
	head     *Head
}

// New pairs a backbone with a head, checking that the head consumes the
// backbone's features and produces one logit per class.
func New(backbone Backbone, head *Head) (*Model, error) {
	if head.Out() != NumClasses() {
		return nil, fmt.Errorf("head emits %d logits for %d classes: %w", head.Out(), NumClasses(), ErrShapeMismatch)
	}
	if head.In() != backbone.FeatureDim() {
		return nil, fmt.Errorf("head expects %d features, backbone yields %d: %w", head.In(), backbone.FeatureDim(), ErrShapeMismatch)
	}
	return &Model{backbone: backbone, head: head}, nil
}

// LoadOptions configures Load.
type LoadOptions struct {
	ONNX     ONNXOptions
	HeadPath string
	HeadSeed uint64
	Logger   zerolog.Logger
}

// Load builds the production model: the ONNX ResNet50 backbone plus either a
// trained head from HeadPath or a fresh, untrained one.
func Load(ctx context.Context, opts LoadOptions) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := opts.Logger

	backbone, err := NewONNXBackbone(opts.ONNX)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", opts.ONNX.ModelPath).Int("feature_dim", backbone.FeatureDim()).Msg("backbone loaded")

	var head *Head
	if opts.HeadPath != "" {
		head, err = LoadHead(opts.HeadPath)
	} else {
		head, err = NewHead(backbone.FeatureDim(), NumClasses(), opts.HeadSeed)
	}
	if err != nil {
		_ = backbone.Close()
		return nil, err
	}

	m, err := New(backbone, head)
	if err != nil {
		_ = backbone.Close()
		return nil, err
	}

	if head.Trained() {
		log.Info().Str("head", head.Source()).Msg("classification head loaded")
	} else {
		log.Warn().Str("head", head.Source()).
			Msg("classification head is untrained; labels and confidences are not meaningful")
	}
	return m, nil
}

// Forward maps one preprocessed image to len(Classes) logits.
func (m *Model) Forward(ctx context.Context, input []float32) ([]float32, error) {
	if want := inputLen(); len(input) != want {
		return nil, fmt.Errorf("got %d input values, want %d: %w", len(input), want, ErrShapeMismatch)
	}
	features, err := m.backbone.Features(ctx, input)
	if err != nil {
		return nil, err
	}
	return m.head.Apply(features)
}

func (m *Model) Info() Info {
	return Info{
		Architecture: Architecture,
		InputShape:   InputShape(),
		FeatureDim:   m.backbone.FeatureDim(),
		Classes:      ClassList(),
		HeadTrained:  m.head.Trained(),
		HeadSource:   m.head.Source(),
	}
}

// Close releases the backbone if it holds native resources.
func (m *Model) Close() error {
	if c, ok := m.backbone.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func inputLen() int {
	n := 1
	for _, d := range InputShape() {
		n *= int(d)
	}
	return n
}
