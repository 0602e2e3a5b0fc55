// Package preprocess turns decoded images into normalized model input.
package preprocess

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

const (
	ImageSize = 224
	Channels  = 3
)

// Shape is the CHW shape of every Transform output.
var Shape = [3]int{Channels, ImageSize, ImageSize}

// ImageNet channel statistics, in RGB order.
var (
	Mean = [Channels]float32{0.485, 0.456, 0.406}
	Std  = [Channels]float32{0.229, 0.224, 0.225}
)

// Tensor is a single channel-first image.
type Tensor struct {
	Shape [3]int
	Data  []float32
}

// Batch returns the NCHW shape with a batch of one.
func (t Tensor) Batch() []int64 {
	return []int64{1, int64(t.Shape[0]), int64(t.Shape[1]), int64(t.Shape[2])}
}

// Transform drops alpha, resizes to ImageSize x ImageSize with bilinear
// interpolation, scales each channel to [0,1] and normalizes it with Mean and
// Std. Data is laid out as [R plane, G plane, B plane].
func Transform(img image.Image) Tensor {
	resized := resize.Resize(ImageSize, ImageSize, opaque(img), resize.Bilinear)
	bounds := resized.Bounds()

	const plane = ImageSize * ImageSize
	data := make([]float32, Channels*plane)

	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			r, g, b := rgb(resized.At(bounds.Min.X+x, bounds.Min.Y+y))
			i := y*ImageSize + x
			data[i] = normalize(r, 0)
			data[plane+i] = normalize(g, 1)
			data[2*plane+i] = normalize(b, 2)
		}
	}

	return Tensor{Shape: Shape, Data: data}
}

// opaque copies img into an RGB image with alpha forced to 255. Each pixel
// keeps its non-premultiplied colour, so translucent and fully transparent
// pixels are not darkened by the resizer.
func opaque(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl := rgb(img.At(x, y))
			i := out.PixOffset(x-b.Min.X, y-b.Min.Y)
			out.Pix[i+0] = r
			out.Pix[i+1] = g
			out.Pix[i+2] = bl
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// rgb returns the colour channels without alpha premultiplication.
func rgb(c color.Color) (r, g, b uint8) {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return n.R, n.G, n.B
}

func normalize(v uint8, c int) float32 {
	return (float32(v)/255 - Mean[c]) / Std[c]
}
