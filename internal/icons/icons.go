// Package icons renders the square PWA icon set from a single source image.
package icons

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
)

const (
	DefaultSourceURL = "https://cdn.poehali.dev/projects/adff2728-217a-4fb9-ab5c-828b17049436/files/6fe05900-96de-4b4a-ab0b-ea60d03dbec9.jpg"
	DefaultOutDir    = "public"
	DefaultTimeout   = 30 * time.Second

	maxSourceBytes = 32 << 20
)

// DefaultSizes are the edge lengths required by the web manifest.
var DefaultSizes = []int{192, 512}

type Options struct {
	SourceURL  string
	OutDir     string
	Sizes      []int
	HTTPClient *http.Client
}

// Icon describes one written file.
type Icon struct {
	Size  int
	Path  string
	Bytes int64
}

func (o Options) withDefaults() Options {
	if o.SourceURL == "" {
		o.SourceURL = DefaultSourceURL
	}
	if o.OutDir == "" {
		o.OutDir = DefaultOutDir
	}
	if len(o.Sizes) == 0 {
		o.Sizes = DefaultSizes
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return o
}

// Generate fetches the source image once and writes icon-<size>.png for every
// requested size into OutDir.
func Generate(ctx context.Context, opts Options) ([]Icon, error) {
	opts = opts.withDefaults()
	for _, size := range opts.Sizes {
		if size <= 0 {
			return nil, fmt.Errorf("icons: invalid size %d", size)
		}
	}

	src, err := Fetch(ctx, opts.HTTPClient, opts.SourceURL)
	if err != nil {
		return nil, err
	}
	flat := Flatten(src)

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("icons: create out dir: %w", err)
	}

	out := make([]Icon, 0, len(opts.Sizes))
	for _, size := range opts.Sizes {
		path := filepath.Join(opts.OutDir, fmt.Sprintf("icon-%d.png", size))
		n, err := writePNG(path, Resize(flat, size))
		if err != nil {
			return nil, err
		}
		out = append(out, Icon{Size: size, Path: path, Bytes: n})
	}
	return out, nil
}

// Fetch downloads and decodes a JPEG, PNG or GIF image.
func Fetch(ctx context.Context, hc *http.Client, url string) (image.Image, error) {
	if url == "" {
		return nil, errors.New("icons: source url is required")
	}
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("icons: build request: %w", err)
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("icons: fetch %s: %w", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("icons: fetch %s: unexpected status %d", url, res.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(res.Body, maxSourceBytes))
	if err != nil {
		return nil, fmt.Errorf("icons: decode image: %w", err)
	}
	return img, nil
}

// Flatten composites src over an opaque white background.
func Flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// Resize scales src to a size x size square. Non-square sources are center
// cropped to fill the square.
func Resize(src image.Image, size int) *image.RGBA {
	b := src.Bounds()
	crop := b
	if w, h := b.Dx(), b.Dy(); w > h {
		off := (w - h) / 2
		crop = image.Rect(b.Min.X+off, b.Min.Y, b.Min.X+off+h, b.Max.Y)
	} else if h > w {
		off := (h - w) / 2
		crop = image.Rect(b.Min.X, b.Min.Y+off, b.Max.X, b.Min.Y+off+w)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	return dst
}

func writePNG(path string, img image.Image) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("icons: create %s: %w", path, err)
	}
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		return 0, fmt.Errorf("icons: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("icons: close %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("icons: stat %s: %w", path, err)
	}
	return info.Size(), nil
}
