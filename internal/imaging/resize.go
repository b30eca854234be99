package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Resizer scales images down to a bounded width and re-encodes them as JPEG.
type Resizer struct {
	MaxDimension int
	Quality      int
}

// DefaultResizer bounds every outbound attachment.
func DefaultResizer() Resizer {
	return Resizer{MaxDimension: 1024, Quality: 85}
}

// Prepare returns ref ready to attach. Data URIs are resized; remote URLs,
// JPEGs already within bounds and anything that fails to decode are returned
// unchanged, so preparing twice never compresses twice.
func (r Resizer) Prepare(ref string) string {
	if !IsDataURI(ref) || r.fits(ref) {
		return ref
	}
	out, err := r.Resize(ref)
	if err != nil {
		return ref
	}
	return out
}

func (r Resizer) fits(ref string) bool {
	mime, data, err := ParseDataURI(ref)
	if err != nil || mime != "image/jpeg" {
		return false
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return r.MaxDimension <= 0 || cfg.Width <= r.MaxDimension
}

// PrepareAll applies Prepare to each ref.
func (r Resizer) PrepareAll(refs []string) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = r.Prepare(ref)
	}
	return out
}

// Resize decodes a data URI, limits its width to MaxDimension and returns a
// JPEG data URI.
func (r Resizer) Resize(dataURI string) (string, error) {
	_, data, err := ParseDataURI(dataURI)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if r.MaxDimension > 0 && w > r.MaxDimension {
		h = h * r.MaxDimension / w
		w = r.MaxDimension
	}
	return scaleEncode(img, w, h, r.Quality)
}

// LoadFile reads a local image and bounds its longer side to maxDim.
func LoadFile(path string, maxDim, quality int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return FromImage(img, maxDim, quality)
}

// FromImage bounds the longer side of img to maxDim and encodes it as a JPEG data URI.
func FromImage(img image.Image, maxDim, quality int) (string, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim > 0 && (w > maxDim || h > maxDim) {
		if w > h {
			h = h * maxDim / w
			w = maxDim
		} else {
			w = w * maxDim / h
			h = maxDim
		}
	}
	return scaleEncode(img, w, h, quality)
}

// scaleEncode resamples img to w x h into a pooled buffer and encodes it.
func scaleEncode(img image.Image, w, h, quality int) (string, error) {
	b := img.Bounds()
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if w == b.Dx() && h == b.Dy() {
		return encode(img, quality)
	}
	dst := scratch.get(image.Rect(0, 0, w, h))
	defer scratch.put(dst)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return encode(dst, quality)
}

func encode(img image.Image, quality int) (string, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", err
	}
	return DataURI("image/jpeg", buf.Bytes()), nil
}
