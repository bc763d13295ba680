// Package imageprocessor turns submitted image payloads into classifier
// input. Everything it produces lives in memory only and must be released by
// the caller.
package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	mimeJPEG = "image/jpeg"
	mimePNG  = "image/png"
)

// DecodedImage is an in-memory raster decoded from one request's payload.
type DecodedImage struct {
	img    image.Image
	Format string
}

// Image returns the raster, or nil once the image has been released.
func (d *DecodedImage) Image() image.Image {
	if d == nil {
		return nil
	}
	return d.img
}

// Release wipes the pixel buffer and drops the reference. Safe to call more
// than once and on a nil receiver.
func (d *DecodedImage) Release() {
	if d == nil || d.img == nil {
		return
	}
	wipePixels(d.img)
	d.img = nil
}

// Decoder validates and decodes base64 image payloads.
type Decoder struct {
	maxBytes  int
	maxPixels int
}

func NewDecoder(maxBytes, maxPixels int) *Decoder {
	return &Decoder{maxBytes: maxBytes, maxPixels: maxPixels}
}

// DecodeBase64 strips an optional data URL prefix, base64-decodes the payload
// and decodes the resulting JPEG or PNG bytes.
func (d *Decoder) DecodeBase64(payload string) (*DecodedImage, error) {
	encoded := StripDataURLPrefix(payload)
	encoded = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, encoded)
	if encoded == "" {
		return nil, invalid("image payload is empty")
	}

	// Reject obviously oversized payloads before allocating the decoded buffer.
	if base64.RawStdEncoding.DecodedLen(len(strings.TrimRight(encoded, "="))) > d.maxBytes {
		return nil, tooLarge(d.maxBytes)
	}

	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, invalid("%v", err)
	}
	defer clear(raw)

	return d.Decode(raw)
}

// Decode parses raw JPEG or PNG bytes. The format is sniffed from the content;
// any client-declared MIME type is ignored.
func (d *Decoder) Decode(raw []byte) (*DecodedImage, error) {
	if len(raw) == 0 {
		return nil, invalid("image payload is empty")
	}
	if len(raw) > d.maxBytes {
		return nil, tooLarge(d.maxBytes)
	}

	mime := mimetype.Detect(raw)
	var (
		decode       func(*bytes.Reader) (image.Image, error)
		decodeConfig func(*bytes.Reader) (image.Config, error)
		format       string
	)
	switch {
	case mime.Is(mimeJPEG):
		format = "jpeg"
		decode = func(r *bytes.Reader) (image.Image, error) { return jpeg.Decode(r) }
		decodeConfig = func(r *bytes.Reader) (image.Config, error) { return jpeg.DecodeConfig(r) }
	case mime.Is(mimePNG):
		format = "png"
		decode = func(r *bytes.Reader) (image.Image, error) { return png.Decode(r) }
		decodeConfig = func(r *bytes.Reader) (image.Config, error) { return png.DecodeConfig(r) }
	default:
		return nil, invalid("unsupported format %s, expected JPEG or PNG", mime.String())
	}

	cfg, err := decodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, invalid("%v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, invalid("image has no pixels")
	}
	if d.maxPixels > 0 && cfg.Width*cfg.Height > d.maxPixels {
		return nil, invalid("image dimensions %dx%d exceed the supported maximum", cfg.Width, cfg.Height)
	}

	img, err := decode(bytes.NewReader(raw))
	if err != nil {
		return nil, invalid("%v", err)
	}
	return &DecodedImage{img: img, Format: format}, nil
}

// StripDataURLPrefix removes a "data:<mime>;base64," tag if present.
func StripDataURLPrefix(payload string) string {
	payload = strings.TrimSpace(payload)
	if idx := strings.IndexByte(payload, ','); idx >= 0 {
		return payload[idx+1:]
	}
	return payload
}

func decodeBase64(encoded string) ([]byte, error) {
	if strings.HasSuffix(encoded, "=") || len(encoded)%4 == 0 {
		return base64.StdEncoding.DecodeString(encoded)
	}
	return base64.RawStdEncoding.DecodeString(encoded)
}

func wipePixels(img image.Image) {
	switch m := img.(type) {
	case *image.RGBA:
		clear(m.Pix)
	case *image.NRGBA:
		clear(m.Pix)
	case *image.RGBA64:
		clear(m.Pix)
	case *image.NRGBA64:
		clear(m.Pix)
	case *image.Gray:
		clear(m.Pix)
	case *image.Gray16:
		clear(m.Pix)
	case *image.Paletted:
		clear(m.Pix)
	case *image.CMYK:
		clear(m.Pix)
	case *image.YCbCr:
		clear(m.Y)
		clear(m.Cb)
		clear(m.Cr)
	}
}
