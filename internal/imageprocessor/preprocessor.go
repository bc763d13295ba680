package imageprocessor

import (
	"errors"

	"github.com/disintegration/imaging"
)

// Classifier input geometry.
const (
	InputSize     = 224
	InputChannels = 3
)

// Tensor is a normalized HWC float32 array in [0,1].
type Tensor struct {
	Data     []float32
	Height   int
	Width    int
	Channels int
}

// Shape returns the tensor dimensions in HWC order.
func (t *Tensor) Shape() []int64 {
	return []int64{int64(t.Height), int64(t.Width), int64(t.Channels)}
}

// Release zeroes the values and drops the backing array. Safe to call more
// than once and on a nil receiver.
func (t *Tensor) Release() {
	if t == nil {
		return
	}
	clear(t.Data)
	t.Data = nil
}

// Preprocessor resizes images to the classifier's fixed input shape.
type Preprocessor struct {
	size int
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{size: InputSize}
}

// Preprocess resizes with a Lanczos filter, drops alpha and scales each RGB
// channel by 1/255. The result is deterministic for a given image.
func (p *Preprocessor) Preprocess(img *DecodedImage) (*Tensor, error) {
	src := img.Image()
	if src == nil {
		return nil, errors.New("preprocess: image already released")
	}
	if src.Bounds().Empty() {
		return nil, errors.New("preprocess: image has no pixels")
	}

	resized := imaging.Resize(src, p.size, p.size, imaging.Lanczos)
	defer clear(resized.Pix)

	t := &Tensor{
		Data:     make([]float32, p.size*p.size*InputChannels),
		Height:   p.size,
		Width:    p.size,
		Channels: InputChannels,
	}
	for y := 0; y < p.size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+p.size*4]
		for x := 0; x < p.size; x++ {
			px := row[x*4 : x*4+3]
			base := (y*p.size + x) * InputChannels
			t.Data[base] = float32(px[0]) / 255
			t.Data[base+1] = float32(px[1]) / 255
			t.Data[base+2] = float32(px[2]) / 255
		}
	}
	return t, nil
}
