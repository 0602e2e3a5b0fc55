package model

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/vision-api/internal/preprocess"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions locates the exported backbone and the runtime library.
type ONNXOptions struct {
	ModelPath      string
	LibraryPath    string
	InputName      string
	OutputName     string
	IntraOpThreads int
}

// ONNXBackbone runs a ResNet50 whose final fc layer was removed before
// export, so its output is the pooled feature vector.
type ONNXBackbone struct {
	session    *ort.DynamicAdvancedSession
	inputShape ort.Shape
	featureDim int
}

// NewONNXBackbone initialises the ONNX Runtime environment and opens a
// session on the backbone.
func NewONNXBackbone(opts ONNXOptions) (*ONNXBackbone, error) {
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect backbone %s: %w", opts.ModelPath, err)
	}
	if _, err := findIO(inputs, opts.InputName); err != nil {
		return nil, fmt.Errorf("backbone input: %w", err)
	}
	out, err := findIO(outputs, opts.OutputName)
	if err != nil {
		return nil, fmt.Errorf("backbone output: %w", err)
	}
	dim := featureDim(out.Dimensions)

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName}, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXBackbone{
		session:    session,
		inputShape: ort.NewShape(InputShape()...),
		featureDim: dim,
	}, nil
}

func (b *ONNXBackbone) FeatureDim() int { return b.featureDim }

// Features runs one forward pass. Each call owns its tensors, so concurrent
// calls do not share state.
func (b *ONNXBackbone) Features(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := ort.NewTensor(b.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.ArbitraryTensor{nil}
	if err := b.session.Run([]ort.ArbitraryTensor{in}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected backbone output type %T", outputs[0])
	}
	data := t.GetData()
	if len(data) != b.featureDim {
		return nil, fmt.Errorf("backbone produced %d values, want %d: %w", len(data), b.featureDim, ErrShapeMismatch)
	}

	features := make([]float32, len(data))
	copy(features, data)
	return features, nil
}

func (b *ONNXBackbone) Close() error {
	var err error
	if b.session != nil {
		err = b.session.Destroy()
		b.session = nil
	}
	if ort.IsInitialized() {
		if derr := ort.DestroyEnvironment(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// InputShape is the batched NCHW shape fed to the backbone.
func InputShape() []int64 {
	return preprocess.Tensor{Shape: preprocess.Shape}.Batch()
}

func findIO(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
		names = append(names, info.Name)
	}
	return ort.InputOutputInfo{}, fmt.Errorf("no tensor named %q (have %v)", name, names)
}

// featureDim flattens everything after the batch axis, e.g. [1,2048,1,1].
// Dynamic axes fall back to the ResNet50 width.
func featureDim(dims ort.Shape) int {
	if len(dims) < 2 {
		return FeatureDim
	}
	n := 1
	for _, d := range dims[1:] {
		if d <= 0 {
			return FeatureDim
		}
		n *= int(d)
	}
	return n
}
