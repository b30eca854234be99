package imaging

import (
	"image"
	"math/bits"
	"sync"
)

// maxScratchBucket is the largest pooled buffer, 1<<26 bytes (4096x4096 RGBA).
const maxScratchBucket = 26

// rgbaPool reuses scaling targets. Buffers are grouped by pixel capacity
// rounded up to a power of two, so the set of pools stays fixed whatever
// sizes the attachments come in.
type rgbaPool struct {
	buckets [maxScratchBucket + 1]sync.Pool
}

var scratch = &rgbaPool{}

// bucket is the power-of-two class holding n bytes.
func bucket(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

func (p *rgbaPool) get(rect image.Rectangle) *image.RGBA {
	n := 4 * rect.Dx() * rect.Dy()
	b := bucket(n)
	if b > maxScratchBucket {
		return image.NewRGBA(rect)
	}
	var pix []byte
	if img, ok := p.buckets[b].Get().(*image.RGBA); ok {
		pix = img.Pix[:n]
	} else {
		pix = make([]byte, n, 1<<b)
	}
	return &image.RGBA{Pix: pix, Stride: 4 * rect.Dx(), Rect: rect}
}

func (p *rgbaPool) put(img *image.RGBA) {
	if img == nil {
		return
	}
	c := cap(img.Pix)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	b := bits.Len(uint(c)) - 1
	if b > maxScratchBucket {
		return
	}
	p.buckets[b].Put(img)
}
