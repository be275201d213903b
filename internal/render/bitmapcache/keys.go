package bitmapcache

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/edgecomet/pagerender/pkg/types"
)

// PageKey identifies a full-page bitmap. Keys are namespaced by document so
// switching documents never serves stale pixels.
type PageKey struct {
	DocumentID  string
	PageIndex   int
	TargetWidth int
	Profile     types.RenderProfile
}

func (k PageKey) String() string {
	return fmt.Sprintf("%s/page/%d/w%d/%s", k.DocumentID, k.PageIndex, k.TargetWidth, k.Profile)
}

// TileKey identifies a tile bitmap. The scale is stored as its IEEE-754 bit
// pattern so equal keys require bit-identical scales.
type TileKey struct {
	DocumentID string
	PageIndex  int
	Region     types.Rect
	ScaleBits  uint64
}

// NewTileKey builds a TileKey from a float scale
func NewTileKey(documentID string, pageIndex int, region types.Rect, scale float64) TileKey {
	return TileKey{
		DocumentID: documentID,
		PageIndex:  pageIndex,
		Region:     region,
		ScaleBits:  math.Float64bits(scale),
	}
}

// Scale returns the float scale encoded in the key
func (k TileKey) Scale() float64 {
	return math.Float64frombits(k.ScaleBits)
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/tile/%d/%s/x%g", k.DocumentID, k.PageIndex, k.Region, k.Scale())
}

// Hash is a compact fingerprint used to correlate tile renders in logs
func (k TileKey) Hash() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(k.String()))
}
