// Package inference runs the decode -> preprocess -> forward -> softmax ->
// label pipeline for a single image.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/Brownie44l1/vision-api/internal/model"
	"github.com/Brownie44l1/vision-api/internal/preprocess"
	"github.com/Brownie44l1/vision-api/pkg/metrics"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	ModelName = model.Architecture
	Note      = "Prototype vision inference"

	// MaxPixels is the largest width*height accepted for decoding. It matches
	// the decompression-bomb cut-off of common imaging libraries.
	MaxPixels = 2 * 89_478_485
)

var (
	ErrDecode   = errors.New("failed to decode image")
	ErrTooLarge = errors.New("image dimensions exceed limit")
	ErrLabel    = errors.New("no label for output index")
)

// Result is the response for one classified image.
type Result struct {
	VisualLabel string  `json:"visual_label"`
	Confidence  float64 `json:"confidence"`
	Model       string  `json:"model"`
	Note        string  `json:"note"`
}

// Classifier maps a preprocessed image to one logit per class.
type Classifier interface {
	Forward(ctx context.Context, input []float32) ([]float32, error)
}

// Predictor is safe for concurrent use as long as its Classifier is.
type Predictor struct {
	classifier Classifier
	metrics    *metrics.Manager
	log        zerolog.Logger
}

type Option func(*Predictor)

func WithMetrics(m *metrics.Manager) Option {
	return func(p *Predictor) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Predictor) { p.log = l }
}

func NewPredictor(c Classifier, opts ...Option) *Predictor {
	p := &Predictor{
		classifier: c,
		metrics:    metrics.Default(),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PredictImage classifies the image stored at path.
func (p *Predictor) PredictImage(ctx context.Context, path string) (Result, error) {
	img, err := p.decodeFile(path)
	if err != nil {
		p.metrics.RecordInferenceError(metrics.StageDecode)
		return Result{}, err
	}
	return p.PredictDecoded(ctx, img)
}

// PredictDecoded classifies an already decoded image.
func (p *Predictor) PredictDecoded(ctx context.Context, img image.Image) (Result, error) {
	start := time.Now()

	input := preprocess.Transform(img)

	logits, err := p.classifier.Forward(ctx, input.Data)
	if err != nil {
		p.metrics.RecordInferenceError(metrics.StageForward)
		return Result{}, fmt.Errorf("forward pass failed: %w", err)
	}

	probs := Softmax(logits)
	idx, conf := Argmax(probs)
	label, ok := model.Label(idx)
	if !ok {
		p.metrics.RecordInferenceError(metrics.StagePostprocess)
		return Result{}, fmt.Errorf("%w %d of %d", ErrLabel, idx, len(logits))
	}

	elapsed := time.Since(start)
	p.metrics.RecordInference(label, elapsed)
	p.log.Debug().Str("label", label).Float64("confidence", conf).Dur("elapsed", elapsed).Msg("image classified")

	return Result{
		VisualLabel: label,
		Confidence:  Round2(conf),
		Model:       ModelName,
		Note:        Note,
	}, nil
}

// decodeFile reads the header first and refuses images whose pixel count
// exceeds MaxPixels, so a small compressed file cannot force a huge bitmap.
func (p *Predictor) decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > MaxPixels {
		return nil, fmt.Errorf("%w: %w: %dx%d %s is %d pixels, limit %d",
			ErrDecode, ErrTooLarge, cfg.Width, cfg.Height, format, px, int64(MaxPixels))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind image: %w", err)
	}

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	b := img.Bounds()
	p.log.Debug().Str("format", format).Int("width", b.Dx()).Int("height", b.Dy()).Msg("image decoded")
	return img, nil
}

// Softmax turns logits into probabilities. The max logit is subtracted first
// so large logits do not overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Argmax returns the index and value of the largest probability. The first
// index wins ties. An empty slice yields -1.
func Argmax(probs []float64) (int, float64) {
	idx, best := -1, math.Inf(-1)
	for i, p := range probs {
		if p > best {
			idx, best = i, p
		}
	}
	if idx < 0 {
		return -1, 0
	}
	return idx, best
}

// Round2 rounds to two decimal places the way Python's round(x, 2) does:
// the exact binary value is rounded, and exact ties go to the even digit.
func Round2(x float64) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 2, 64), 64)
	if err != nil {
		return x
	}
	return v
}
