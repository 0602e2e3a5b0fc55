package inference

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/vision-api/internal/model"
	"github.com/Brownie44l1/vision-api/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
)

// planeBackbone reports the mean of each colour plane plus a few cross terms.
type planeBackbone struct{}

func (planeBackbone) FeatureDim() int { return 8 }

func (planeBackbone) Features(_ context.Context, input []float32) ([]float32, error) {
	plane := len(input) / 3
	var means [3]float32
	for c := 0; c < 3; c++ {
		var sum float32
		for _, v := range input[c*plane : (c+1)*plane] {
			sum += v
		}
		means[c] = sum / float32(plane)
	}
	r, g, b := means[0], means[1], means[2]
	return []float32{r, g, b, r - g, g - b, b - r, r * g, 1}, nil
}

type fixedClassifier struct {
	logits []float32
	err    error
}

func (f fixedClassifier) Forward(context.Context, []float32) ([]float32, error) {
	return f.logits, f.err
}

func newTestModel() *model.Model {
	head, err := model.NewHead(8, model.NumClasses(), 42)
	So(err, ShouldBeNil)
	m, err := model.New(planeBackbone{}, head)
	So(err, ShouldBeNil)
	return m
}

func writeImage(dir, name string, img image.Image) string {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	So(err, ShouldBeNil)
	defer f.Close()
	switch filepath.Ext(name) {
	case ".png":
		So(png.Encode(f, img), ShouldBeNil)
	default:
		So(jpeg.Encode(f, img, &jpeg.Options{Quality: 90}), ShouldBeNil)
	}
	return path
}

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// pngHeader returns a PNG signature and IHDR chunk for an 8-bit RGB image of
// the given size, with no pixel data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8], ihdr[9] = 8, 2

	chunk := append([]byte("IHDR"), ihdr...)
	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, uint32(len(ihdr)))
	out = append(out, chunk...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(chunk))
}

func hasTwoDecimals(x float64) bool {
	return math.Abs(x*100-math.Round(x*100)) < 1e-9
}

func TestSoftmax(t *testing.T) {
	Convey("Given logits", t, func() {
		Convey("Then the probabilities sum to one and keep the ordering", func() {
			p := Softmax([]float32{1, 2, 3, 0, -1, 0.5})
			var sum float64
			for _, v := range p {
				sum += v
			}
			So(sum, ShouldAlmostEqual, 1, 1e-12)
			So(p[2], ShouldBeGreaterThan, p[1])
			So(p[1], ShouldBeGreaterThan, p[0])
		})

		Convey("Then very large logits do not overflow", func() {
			p := Softmax([]float32{1000, 999, -1000})
			So(math.IsNaN(p[0]), ShouldBeFalse)
			So(p[0], ShouldAlmostEqual, 1/(1+math.Exp(-1)), 1e-9)
		})

		Convey("Then equal logits give a uniform distribution", func() {
			p := Softmax(make([]float32, 6))
			for _, v := range p {
				So(v, ShouldAlmostEqual, 1.0/6, 1e-12)
			}
		})

		Convey("Then no logits give no probabilities", func() {
			So(Softmax(nil), ShouldBeNil)
		})
	})
}

func TestArgmax(t *testing.T) {
	Convey("Given probabilities", t, func() {
		Convey("Then the largest wins", func() {
			i, p := Argmax([]float64{0.1, 0.6, 0.3})
			So(i, ShouldEqual, 1)
			So(p, ShouldEqual, 0.6)
		})

		Convey("Then the first index wins a tie", func() {
			i, _ := Argmax([]float64{0.25, 0.25, 0.25, 0.25})
			So(i, ShouldEqual, 0)
		})

		Convey("Then an empty slice yields -1", func() {
			i, p := Argmax(nil)
			So(i, ShouldEqual, -1)
			So(p, ShouldEqual, 0)
		})
	})
}

func TestRound2(t *testing.T) {
	Convey("Given confidences", t, func() {
		So(Round2(0.1234), ShouldEqual, 0.12)
		So(Round2(0.125), ShouldEqual, 0.12)
		So(Round2(0.375), ShouldEqual, 0.38)
		So(Round2(0.145), ShouldEqual, 0.14)
		So(Round2(0.135), ShouldEqual, 0.14)
		So(Round2(0.999), ShouldEqual, 1.0)
		So(Round2(1.0/6), ShouldEqual, 0.17)
		So(Round2(0), ShouldEqual, 0)
	})
}

func TestPredictImage(t *testing.T) {
	Convey("Given a predictor over a small model", t, func() {
		dir := t.TempDir()
		reg := metrics.NewManager(metrics.WithRegistry(prometheus.NewRegistry()))
		p := NewPredictor(newTestModel(), WithMetrics(reg))
		ctx := context.Background()

		Convey("When classifying a 512x512 solid JPEG", func() {
			path := writeImage(dir, "red.jpg", solidImage(512, 512, color.RGBA{R: 220, G: 30, B: 10, A: 255}))
			res, err := p.PredictImage(ctx, path)

			Convey("Then the result has a known label and a two-decimal confidence", func() {
				So(err, ShouldBeNil)
				So(model.IsLabel(res.VisualLabel), ShouldBeTrue)
				So(res.Confidence, ShouldBeBetweenOrEqual, 0, 1)
				So(hasTwoDecimals(res.Confidence), ShouldBeTrue)
				So(res.Model, ShouldEqual, "ResNet50")
				So(res.Note, ShouldEqual, "Prototype vision inference")
			})

			Convey("Then classifying it again gives the same result", func() {
				again, err := p.PredictImage(ctx, path)
				So(err, ShouldBeNil)
				So(again, ShouldResemble, res)
			})
		})

		Convey("When classifying images of various sizes and formats", func() {
			imgs := map[string]image.Image{
				"tiny.png":  solidImage(3, 3, color.RGBA{G: 200, A: 255}),
				"wide.jpg":  solidImage(900, 40, color.RGBA{B: 255, A: 255}),
				"gray.png":  image.NewGray(image.Rect(0, 0, 64, 64)),
				"alpha.png": solidImage(50, 50, color.RGBA{R: 10, G: 10, B: 10, A: 10}),
			}

			Convey("Then every result stays inside the contract", func() {
				for name, img := range imgs {
					res, err := p.PredictImage(ctx, writeImage(dir, name, img))
					So(err, ShouldBeNil)
					So(model.IsLabel(res.VisualLabel), ShouldBeTrue)
					So(res.Confidence, ShouldBeBetweenOrEqual, 0, 1)
				}
			})
		})

		Convey("When the file is text with an image extension", func() {
			path := filepath.Join(dir, "notes.jpg")
			So(os.WriteFile(path, []byte("this is not an image"), 0o600), ShouldBeNil)
			_, err := p.PredictImage(ctx, path)

			Convey("Then a decode error is returned", func() {
				So(errors.Is(err, ErrDecode), ShouldBeTrue)
			})
		})

		Convey("When a tiny PNG declares 14000x14000 pixels", func() {
			path := filepath.Join(dir, "bomb.png")
			So(os.WriteFile(path, pngHeader(14000, 14000), 0o600), ShouldBeNil)
			_, err := p.PredictImage(ctx, path)

			Convey("Then it is refused from the header alone", func() {
				So(errors.Is(err, ErrDecode), ShouldBeTrue)
				So(errors.Is(err, ErrTooLarge), ShouldBeTrue)
			})
		})

		Convey("When a PNG is within the pixel limit but its data is missing", func() {
			path := filepath.Join(dir, "truncated.png")
			So(os.WriteFile(path, pngHeader(1000, 1000), 0o600), ShouldBeNil)
			_, err := p.PredictImage(ctx, path)

			Convey("Then the size check passes and decoding fails normally", func() {
				So(errors.Is(err, ErrDecode), ShouldBeTrue)
				So(errors.Is(err, ErrTooLarge), ShouldBeFalse)
			})
		})

		Convey("When the file does not exist", func() {
			_, err := p.PredictImage(ctx, filepath.Join(dir, "missing.png"))

			Convey("Then the I/O error propagates", func() {
				So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
			})
		})
	})
}

func TestPredictDecoded(t *testing.T) {
	Convey("Given classifiers with fixed logits", t, func() {
		reg := metrics.NewManager(metrics.WithRegistry(prometheus.NewRegistry()))
		img := solidImage(10, 10, color.White)
		ctx := context.Background()

		Convey("When one logit dominates", func() {
			p := NewPredictor(fixedClassifier{logits: []float32{0, 0, 9, 0, 0, 0}}, WithMetrics(reg))
			res, err := p.PredictDecoded(ctx, img)

			Convey("Then its label is returned with rounded softmax confidence", func() {
				So(err, ShouldBeNil)
				So(res.VisualLabel, ShouldEqual, "accident")
				want := math.Exp(9) / (math.Exp(9) + 5)
				So(res.Confidence, ShouldEqual, Round2(want))
			})
		})

		Convey("When all logits are equal", func() {
			p := NewPredictor(fixedClassifier{logits: make([]float32, 6)}, WithMetrics(reg))
			res, err := p.PredictDecoded(ctx, img)

			Convey("Then the first label wins with confidence 0.17", func() {
				So(err, ShouldBeNil)
				So(res.VisualLabel, ShouldEqual, "fire")
				So(res.Confidence, ShouldEqual, 0.17)
			})
		})

		Convey("When the classifier emits more logits than labels", func() {
			p := NewPredictor(fixedClassifier{logits: []float32{0, 0, 0, 0, 0, 0, 5}}, WithMetrics(reg))
			_, err := p.PredictDecoded(ctx, img)

			Convey("Then no out-of-range label is invented", func() {
				So(errors.Is(err, ErrLabel), ShouldBeTrue)
			})
		})

		Convey("When the forward pass fails", func() {
			p := NewPredictor(fixedClassifier{err: errors.New("session closed")}, WithMetrics(reg))
			_, err := p.PredictDecoded(ctx, img)

			Convey("Then the error is wrapped and returned", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "forward pass failed")
				So(err.Error(), ShouldContainSubstring, "session closed")
			})
		})
	})
}
