package source

import (
	"image"
	"image/color"
	"math"
)

// Trimmer crops mood-board pages to their visible content so page margins
// and blank footers are not sent as style references.
type Trimmer struct {
	EdgeThreshold float64 // Sobel gradient magnitude that counts as content
	Margin        int     // pixels kept around the content
	MinShrink     float64 // crop only when it removes at least this share of the area
}

func DefaultTrimmer() Trimmer {
	return Trimmer{EdgeThreshold: 30, Margin: 8, MinShrink: 0.05}
}

// Bounds returns the smallest rectangle holding every edge pixel of img,
// padded by Margin. A flat image has empty bounds.
func (t Trimmer) Bounds(img image.Image) image.Rectangle {
	gray := toGray(img)
	b := gray.Bounds()

	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			if sobel(gray, x, y) <= t.EdgeThreshold {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX {
		return image.Rectangle{}
	}
	r := image.Rect(minX-t.Margin, minY-t.Margin, maxX+1+t.Margin, maxY+1+t.Margin)
	return r.Intersect(b)
}

// Trim returns the content of img, or img itself when there is nothing worth
// cropping.
func (t Trimmer) Trim(img image.Image) image.Image {
	r := t.Bounds(img)
	if r.Empty() {
		return img
	}
	full := img.Bounds()
	kept := float64(r.Dx()*r.Dy()) / float64(full.Dx()*full.Dy())
	if 1-kept < t.MinShrink {
		return img
	}
	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r)
	}
	return img
}

// Trimmed wraps src so every image it yields is trimmed.
func Trimmed(src Source, t Trimmer) Source {
	return &trimmedSource{Source: src, t: t}
}

type trimmedSource struct {
	Source
	t Trimmer
}

func (s *trimmedSource) Image(index int) (image.Image, error) {
	img, err := s.Source.Image(index)
	if err != nil {
		return nil, err
	}
	return s.t.Trim(img), nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

var (
	kernelX = [3][3]float64{{-1, 0, 1}, {-2, 0, 2}, {-1, 0, 1}}
	kernelY = [3][3]float64{{-1, -2, -1}, {0, 0, 0}, {1, 2, 1}}
)

// sobel is the gradient magnitude at (x, y).
func sobel(g *image.Gray, x, y int) float64 {
	var sx, sy float64
	for ky := -1; ky <= 1; ky++ {
		for kx := -1; kx <= 1; kx++ {
			v := float64(g.GrayAt(x+kx, y+ky).Y)
			sx += v * kernelX[ky+1][kx+1]
			sy += v * kernelY[ky+1][kx+1]
		}
	}
	return math.Sqrt(sx*sx + sy*sy)
}
