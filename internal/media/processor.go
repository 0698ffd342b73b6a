// Package media downloads item images and normalizes them into bounded JPEG
// files for the import bundle.
package media

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/masahif/catalogferry/internal/crawler"
	"github.com/masahif/catalogferry/internal/fileutil"
)

var _ crawler.MediaProcessor = (*Processor)(nil)

// ErrEmptyMedia is returned when a media reference yields no bytes
var ErrEmptyMedia = errors.New("empty media response")

// Config bounds the normalized output
type Config struct {
	Dir       string // Output directory
	MaxWidth  int
	MaxHeight int
	Quality   int // JPEG quality, 1-100
}

// Processor downloads, decodes, bounds and re-encodes media references
type Processor struct {
	cfg    Config
	client crawler.Fetcher
}

// NewProcessor creates a processor writing into cfg.Dir
func NewProcessor(cfg Config, client crawler.Fetcher) *Processor {
	return &Processor{cfg: cfg, client: client}
}

// FileName returns <item>_<index>_<hash>.jpg for a media reference. The hash
// is taken from the reference so reruns overwrite the same file.
func FileName(itemID string, index int, mediaURL string) string {
	sum := md5.Sum([]byte(mediaURL))
	return fmt.Sprintf("%s_%d_%s.jpg", crawler.SanitizeID(itemID), index, hex.EncodeToString(sum[:])[:8])
}

// Process fetches mediaURL and writes the normalized JPEG. Any failure
// leaves no file behind and is reported to the caller, which skips the
// medium.
func (p *Processor) Process(ctx context.Context, itemID string, index int, mediaURL string) (*crawler.MediaDescriptor, error) {
	resp, err := p.client.Get(ctx, mediaURL)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("download media: %w", &crawler.TransportError{URL: mediaURL, StatusCode: resp.StatusCode})
	}
	if len(resp.Body) == 0 {
		return nil, ErrEmptyMedia
	}

	src, format, err := image.Decode(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}

	out := Normalize(src, p.cfg.MaxWidth, p.cfg.MaxHeight)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("encode media: %w", err)
	}

	name := FileName(itemID, index, mediaURL)
	path := filepath.Join(p.cfg.Dir, name)
	if err := fileutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write media: %w", err)
	}

	slog.Debug("Media normalized",
		"item_id", itemID,
		"media_url", mediaURL,
		"format", format,
		"width", out.Bounds().Dx(),
		"height", out.Bounds().Dy(),
		"size", buf.Len(),
	)

	return &crawler.MediaDescriptor{
		OriginalURL: mediaURL,
		LocalPath:   path,
		Filename:    name,
		SizeBytes:   int64(buf.Len()),
		ProcessedAt: time.Now().UTC(),
	}, nil
}

// Normalize flattens src onto white and scales it down to fit within
// maxWidth x maxHeight, keeping the aspect ratio. Images already within
// bounds keep their size. A non-positive bound is treated as unbounded.
func Normalize(src image.Image, maxWidth, maxHeight int) *image.RGBA {
	b := src.Bounds()
	w, h := Fit(b.Dx(), b.Dy(), maxWidth, maxHeight)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}
	return dst
}

// Fit returns the largest size within the bounds with the same aspect ratio
func Fit(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= 0 || height <= 0 {
		return width, height
	}

	scale := 1.0
	if maxWidth > 0 && width > maxWidth {
		scale = float64(maxWidth) / float64(width)
	}
	if maxHeight > 0 && float64(height)*scale > float64(maxHeight) {
		scale = float64(maxHeight) / float64(height)
	}
	if scale >= 1 {
		return width, height
	}

	w := int(float64(width)*scale + 0.5)
	h := int(float64(height)*scale + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

