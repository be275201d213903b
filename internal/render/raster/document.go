// Package raster is a renderer backend for documents whose pages are image
// files, stored in a directory or a zip archive.
package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp" // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder

	"github.com/edgecomet/pagerender/internal/render/backend"
	"github.com/edgecomet/pagerender/pkg/types"
)

// ErrNoPages is returned when a document contains no page images
var ErrNoPages = errors.New("document has no page images")

// Document is an open image-page document
type Document struct {
	id     string
	path   string
	source pageSource
	config *Config
	logger *zap.Logger
	probe  memoryProbe

	mu    sync.Mutex
	sizes []*types.PageSize // decoded lazily
}

// Open opens a directory of page images or a .zip/.cbz archive of them
func Open(path string, config *Config, logger *zap.Logger) (*Document, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid raster config: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat document: %w", err)
	}

	var source pageSource
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case info.IsDir():
		source, err = openDir(path)
	case ext == ".zip" || ext == ".cbz":
		source, err = openZip(path)
	default:
		return nil, fmt.Errorf("unsupported document %q: expected a directory or zip archive", path)
	}
	if err != nil {
		return nil, err
	}

	if source.Len() == 0 {
		_ = source.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoPages, path)
	}

	names := make([]string, source.Len())
	for i := range names {
		names[i] = source.Name(i)
	}

	doc := &Document{
		id:     DocumentID(path, info, names),
		path:   path,
		source: source,
		config: config,
		logger: logger,
		probe:  hostAvailableMemory,
		sizes:  make([]*types.PageSize, source.Len()),
	}

	logger.Info("Raster document opened",
		zap.String("document_id", doc.id),
		zap.String("path", path),
		zap.Int("page_count", source.Len()))

	return doc, nil
}

// DocumentID fingerprints a document by path, modification time, size and
// page names, so a changed file gets a new identity
func DocumentID(path string, info os.FileInfo, pageNames []string) string {
	h := xxhash.New()
	_, _ = h.WriteString(path)
	_, _ = fmt.Fprintf(h, "|%d|%d", info.Size(), info.ModTime().UnixNano())
	for _, name := range pageNames {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(name)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func (d *Document) ID() string     { return d.id }
func (d *Document) Path() string   { return d.path }
func (d *Document) PageCount() int { return d.source.Len() }

func (d *Document) Close() error {
	d.logger.Debug("Raster document closed", zap.String("document_id", d.id))
	return d.source.Close()
}

// Legacy returns the simple renderer over the same pages: nearest-neighbour
// scaling, no profiles
func (d *Document) Legacy() backend.Backend {
	return &legacyRenderer{doc: d}
}

// PageSize decodes only the image header of a page
func (d *Document) PageSize(index int) (types.PageSize, error) {
	if err := d.checkIndex(index); err != nil {
		return types.PageSize{}, err
	}

	d.mu.Lock()
	cached := d.sizes[index]
	d.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	rc, err := d.source.Open(index)
	if err != nil {
		return types.PageSize{}, backend.Other(fmt.Errorf("open page %d: %w", index, err))
	}
	defer rc.Close()

	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return types.PageSize{}, backend.MalformedPage(fmt.Errorf("page %d header: %w", index, err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return types.PageSize{}, backend.MalformedPage(fmt.Errorf("page %d has empty size %dx%d", index, cfg.Width, cfg.Height))
	}

	size := types.PageSize{Width: cfg.Width, Height: cfg.Height}
	d.mu.Lock()
	d.sizes[index] = &size
	d.mu.Unlock()
	return size, nil
}

func (d *Document) RenderPage(ctx context.Context, index, width int, profile types.RenderProfile) (*backend.Bitmap, error) {
	return d.renderPage(ctx, index, width, scalerFor(profile))
}

func (d *Document) RenderTile(ctx context.Context, index int, region types.Rect, scale float64) (*backend.Bitmap, error) {
	return d.renderTile(ctx, index, region, scale, draw.CatmullRom)
}

func (d *Document) renderPage(ctx context.Context, index, width int, scaler draw.Scaler) (*backend.Bitmap, error) {
	if width <= 0 {
		return nil, fmt.Errorf("%w: width %d", backend.ErrInvalidArgument, width)
	}
	size, err := d.PageSize(index)
	if err != nil {
		return nil, err
	}

	height := size.HeightForWidth(width)
	if suggested, ok := fitWidth(size, width, d.config); !ok {
		return nil, backend.PageTooLargeWidth(suggested,
			fmt.Errorf("page %d at width %d is %dx%d", index, width, width, height))
	}
	if err := d.checkHeadroom(size, width, height); err != nil {
		return nil, err
	}

	src, err := d.decode(ctx, index)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return backend.NewBitmap(dst), nil
}

func (d *Document) renderTile(ctx context.Context, index int, region types.Rect, scale float64, scaler draw.Scaler) (*backend.Bitmap, error) {
	if !validScale(scale) || region.Empty() {
		return nil, fmt.Errorf("%w: tile %s at scale %g", backend.ErrInvalidArgument, region, scale)
	}
	size, err := d.PageSize(index)
	if err != nil {
		return nil, err
	}

	if suggested, ok := fitScale(region, scale, d.config); !ok {
		return nil, backend.PageTooLargeScale(suggested,
			fmt.Errorf("tile %s of page %d at scale %g", region, index, scale))
	}

	scaledBounds := image.Rect(0, 0, int(float64(size.Width)*scale), int(float64(size.Height)*scale))
	target := image.Rect(region.MinX, region.MinY, region.MaxX, region.MaxY)
	if !target.Overlaps(scaledBounds) {
		return nil, fmt.Errorf("%w: tile %s outside page %d bounds %v", backend.ErrInvalidArgument, region, index, scaledBounds)
	}
	if err := d.checkHeadroom(size, region.Dx(), region.Dy()); err != nil {
		return nil, err
	}

	src, err := d.decode(ctx, index)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Pixels of the tile beyond the page edge stay white
	dst := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)

	visible := target.Intersect(scaledBounds)
	srcRect := image.Rect(
		src.Bounds().Min.X+int(float64(visible.Min.X)/scale),
		src.Bounds().Min.Y+int(float64(visible.Min.Y)/scale),
		src.Bounds().Min.X+ceilDiv(visible.Max.X, scale),
		src.Bounds().Min.Y+ceilDiv(visible.Max.Y, scale),
	).Intersect(src.Bounds())
	dstRect := visible.Sub(target.Min)

	scaler.Scale(dst, dstRect, src, srcRect, draw.Src, nil)
	return backend.NewBitmap(dst), nil
}

// decode reads the full page image. Decoder failures, including panics from
// decoders fed hostile data, are malformed-page faults.
func (d *Document) decode(ctx context.Context, index int) (img image.Image, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc, err := d.source.Open(index)
	if err != nil {
		return nil, backend.Other(fmt.Errorf("open page %d: %w", index, err))
	}
	defer rc.Close()

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = backend.MalformedPage(fmt.Errorf("decoder panic on page %d: %v", index, r))
		}
	}()

	img, _, err = image.Decode(rc)
	if err != nil {
		return nil, backend.MalformedPage(fmt.Errorf("decode page %d (%s): %w", index, d.source.Name(index), err))
	}
	return img, nil
}

// checkHeadroom estimates the decode plus output allocation and fails with an
// out-of-memory fault when it would eat into the configured headroom
func (d *Document) checkHeadroom(size types.PageSize, outW, outH int) error {
	if d.config.MemoryHeadroomBytes <= 0 {
		return nil
	}
	need := int64(size.Width)*int64(size.Height)*4 + int64(outW)*int64(outH)*4
	available := d.probe()
	if available-need < d.config.MemoryHeadroomBytes {
		return backend.OutOfMemory(fmt.Errorf("render needs %d bytes, %d available, headroom %d",
			need, available, d.config.MemoryHeadroomBytes))
	}
	return nil
}

func (d *Document) checkIndex(index int) error {
	if index < 0 || index >= d.source.Len() {
		return fmt.Errorf("%w: page index %d out of range [0,%d)", backend.ErrInvalidArgument, index, d.source.Len())
	}
	return nil
}

func scalerFor(profile types.RenderProfile) draw.Scaler {
	if profile == types.ProfileLowDetail {
		return draw.ApproxBiLinear
	}
	return draw.CatmullRom
}

func ceilDiv(v int, scale float64) int {
	f := float64(v) / scale
	i := int(f)
	if float64(i) < f {
		i++
	}
	return i
}

type legacyRenderer struct {
	doc *Document
}

func (l *legacyRenderer) PageCount() int { return l.doc.PageCount() }

func (l *legacyRenderer) PageSize(index int) (types.PageSize, error) {
	return l.doc.PageSize(index)
}

func (l *legacyRenderer) RenderPage(ctx context.Context, index, width int, _ types.RenderProfile) (*backend.Bitmap, error) {
	return l.doc.renderPage(ctx, index, width, draw.NearestNeighbor)
}

func (l *legacyRenderer) RenderTile(ctx context.Context, index int, region types.Rect, scale float64) (*backend.Bitmap, error) {
	return l.doc.renderTile(ctx, index, region, scale, draw.NearestNeighbor)
}
