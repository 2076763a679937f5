// Package compress downsamples and re-encodes captured images at a ladder
// of increasingly aggressive compression levels.
package compress

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"

	"scan-station/config"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DecodeError reports that the source image could not be decoded
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Compressed is the output of one compression pass
type Compressed struct {
	Data         []byte
	Level        int
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	MaxDimension int
	Quality      float64
	SourceFormat string
}

// DataURL returns the image as a base64 JPEG data URL
func (c *Compressed) DataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(c.Data)
}

// Compressor maps compression levels onto (max dimension, quality) pairs
type Compressor struct {
	levels []config.CompressionLevel
}

// New creates a compressor. levels must be strictly decreasing in both
// dimension and quality.
func New(levels []config.CompressionLevel) *Compressor {
	return &Compressor{levels: append([]config.CompressionLevel(nil), levels...)}
}

// MaxLevel returns the highest valid level
func (c *Compressor) MaxLevel() int {
	return len(c.levels) - 1
}

// Level returns the parameters for level, clamped to the valid range
func (c *Compressor) Level(level int) (int, config.CompressionLevel) {
	if level < 0 {
		level = 0
	}
	if level > c.MaxLevel() {
		level = c.MaxLevel()
	}
	return level, c.levels[level]
}

// Compress decodes data and re-encodes it as JPEG at the given level. The
// longer side is scaled down to the level's max dimension; images already
// smaller are never upscaled.
func (c *Compressor) Compress(data []byte, level int) (*Compressed, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return c.CompressImage(src, format, level)
}

// CompressImage re-encodes an already decoded image
func (c *Compressor) CompressImage(src image.Image, format string, level int) (*Compressed, error) {
	level, params := c.Level(level)

	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &DecodeError{Err: fmt.Errorf("image has zero dimensions")}
	}

	w, h := FitWithin(b.Dx(), b.Dy(), params.MaxDimension)

	var out image.Image = src
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality(params.Quality)}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	return &Compressed{
		Data:         buf.Bytes(),
		Level:        level,
		Width:        w,
		Height:       h,
		SourceWidth:  b.Dx(),
		SourceHeight: b.Dy(),
		MaxDimension: params.MaxDimension,
		Quality:      params.Quality,
		SourceFormat: format,
	}, nil
}

// FitWithin scales (w, h) so the longer side is at most maxDim, preserving
// the aspect ratio. It never upscales.
func FitWithin(w, h, maxDim int) (int, int) {
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	if w >= h {
		nh := int(math.Round(float64(h) * float64(maxDim) / float64(w)))
		return maxDim, max(nh, 1)
	}
	nw := int(math.Round(float64(w) * float64(maxDim) / float64(h)))
	return max(nw, 1), maxDim
}

func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}
