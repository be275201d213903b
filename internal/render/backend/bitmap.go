package backend

import (
	"image"
	"sync/atomic"
)

// Bitmap is a rendered pixel buffer. The accounted size is the capacity of
// the backing allocation, which can exceed width*height*4.
type Bitmap struct {
	img      *image.RGBA
	bytes    int64
	recycled atomic.Bool
}

// NewBitmap wraps img; a nil image yields a zero-sized bitmap
func NewBitmap(img *image.RGBA) *Bitmap {
	b := &Bitmap{img: img}
	if img != nil {
		b.bytes = int64(cap(img.Pix))
	}
	return b
}

// NewBlankBitmap allocates an opaque-white bitmap of the given size
func NewBlankBitmap(width, height int) *Bitmap {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return NewBitmap(img)
}

// Image returns the pixels, or nil once the bitmap has been recycled
func (b *Bitmap) Image() *image.RGBA {
	if b.recycled.Load() {
		return nil
	}
	return b.img
}

func (b *Bitmap) Width() int {
	if b.img == nil {
		return 0
	}
	return b.img.Rect.Dx()
}

func (b *Bitmap) Height() int {
	if b.img == nil {
		return 0
	}
	return b.img.Rect.Dy()
}

// ByteSize is the accounted allocation size
func (b *Bitmap) ByteSize() int64 {
	return b.bytes
}

// Recycle marks the backing storage as reclaimed by its owner. A recycled
// bitmap is no longer live and caches purge it on lookup.
func (b *Bitmap) Recycle() {
	b.recycled.Store(true)
}

// IsLive reports whether the pixels may still be used
func (b *Bitmap) IsLive() bool {
	return b != nil && b.img != nil && !b.recycled.Load()
}
