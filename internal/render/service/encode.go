package service

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/edgecomet/pagerender/internal/render/backend"
)

// Encoding is the wire format of a bitmap response
type Encoding string

const (
	EncodingPNG    Encoding = "png"
	EncodingRaw    Encoding = "raw"    // RGBA rows, no padding
	EncodingLZ4    Encoding = "lz4"    // raw, lz4 frame
	EncodingSnappy Encoding = "snappy" // raw, snappy block
)

// Response headers describing a bitmap body
const (
	HeaderWidth    = "X-Bitmap-Width"
	HeaderHeight   = "X-Bitmap-Height"
	HeaderEncoding = "X-Bitmap-Encoding"
	HeaderFallback = "X-Fallback-Mode"
)

var errBitmapRecycled = errors.New("bitmap was recycled before it could be encoded")

// ParseEncoding defaults to png
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return EncodingPNG, nil
	case EncodingPNG, EncodingRaw, EncodingLZ4, EncodingSnappy:
		return e, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", s)
	}
}

func (e Encoding) ContentType() string {
	if e == EncodingPNG {
		return "image/png"
	}
	return "application/octet-stream"
}

// EncodeBitmap serializes b in encoding
func EncodeBitmap(b *backend.Bitmap, encoding Encoding) ([]byte, error) {
	img := b.Image()
	if img == nil {
		return nil, errBitmapRecycled
	}

	if encoding == EncodingPNG {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("png encode failed: %w", err)
		}
		return buf.Bytes(), nil
	}

	raw := rawPixels(b)
	switch encoding {
	case EncodingRaw:
		return raw, nil
	case EncodingSnappy:
		return snappy.Encode(nil, raw), nil
	case EncodingLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// rawPixels returns tightly packed RGBA rows. Sub-images share a larger
// buffer and are copied row by row.
func rawPixels(b *backend.Bitmap) []byte {
	img := b.Image()
	w, h := img.Rect.Dx(), img.Rect.Dy()
	rowBytes := w * 4
	if img.Stride == rowBytes && len(img.Pix) == rowBytes*h {
		return img.Pix
	}
	out := make([]byte, 0, rowBytes*h)
	for y := 0; y < h; y++ {
		start := y * img.Stride
		out = append(out, img.Pix[start:start+rowBytes]...)
	}
	return out
}
