package imageprocessor

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodedFrom(img image.Image) *DecodedImage {
	return &DecodedImage{img: img, Format: "png"}
}

func TestPreprocessProducesFixedShape(t *testing.T) {
	tests := []struct {
		name  string
		image image.Image
	}{
		{name: "landscape rgba", image: image.NewRGBA(image.Rect(0, 0, 640, 480))},
		{name: "portrait nrgba", image: image.NewNRGBA(image.Rect(0, 0, 120, 300))},
		{name: "tiny gray", image: image.NewGray(image.Rect(0, 0, 3, 5))},
		{name: "ycbcr", image: image.NewYCbCr(image.Rect(0, 0, 300, 300), image.YCbCrSubsampleRatio420)},
	}

	p := NewPreprocessor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := p.Preprocess(decodedFrom(tt.image))
			require.NoError(t, err)
			defer tensor.Release()

			assert.Equal(t, []int64{224, 224, 3}, tensor.Shape())
			assert.Len(t, tensor.Data, 224*224*3)
			for _, v := range tensor.Data {
				if v < 0 || v > 1 {
					t.Fatalf("value out of range: %f", v)
				}
			}
		})
	}
}

func TestPreprocessNormalizesSolidColor(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 50, 80))
	fill(src, color.NRGBA{R: 255, G: 51, B: 0, A: 255})

	tensor, err := NewPreprocessor().Preprocess(decodedFrom(src))
	require.NoError(t, err)

	for i := 0; i < len(tensor.Data); i += 3 {
		assert.InDelta(t, 1.0, tensor.Data[i], 1e-6)
		assert.InDelta(t, 0.2, tensor.Data[i+1], 1e-6)
		assert.InDelta(t, 0.0, tensor.Data[i+2], 1e-6)
	}
}

func TestPreprocessConvertsGrayToThreeChannels(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range src.Pix {
		src.Pix[i] = 102
	}

	tensor, err := NewPreprocessor().Preprocess(decodedFrom(src))
	require.NoError(t, err)

	for i := 0; i < len(tensor.Data); i += 3 {
		assert.InDelta(t, 0.4, tensor.Data[i], 1e-6)
		assert.Equal(t, tensor.Data[i], tensor.Data[i+1])
		assert.Equal(t, tensor.Data[i], tensor.Data[i+2])
	}
}

func TestPreprocessIsDeterministic(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 97, 61))
	for y := 0; y < 61; y++ {
		for x := 0; x < 97; x++ {
			src.Set(x, y, color.NRGBA{R: uint8(x * 2), G: uint8(y * 4), B: uint8(x ^ y), A: 255})
		}
	}

	p := NewPreprocessor()
	first, err := p.Preprocess(decodedFrom(src))
	require.NoError(t, err)
	second, err := p.Preprocess(decodedFrom(src))
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
}

func TestPreprocessRejectsReleasedImage(t *testing.T) {
	img := decodedFrom(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	img.Release()

	_, err := NewPreprocessor().Preprocess(img)
	assert.Error(t, err)
}

func TestTensorReleaseZeroes(t *testing.T) {
	tensor, err := NewPreprocessor().Preprocess(decodedFrom(image.NewGray(image.Rect(0, 0, 2, 2))))
	require.NoError(t, err)
	data := tensor.Data
	for i := range data {
		data[i] = 0.5
	}

	tensor.Release()
	tensor.Release()

	assert.Nil(t, tensor.Data)
	for _, v := range data {
		if v != 0 {
			t.Fatalf("tensor value not wiped: %f", v)
		}
	}
}

func fill(img *image.NRGBA, c color.NRGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}
