package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrUnsupported means the input is not an image we can decode. Retrying
	// will not help.
	ErrUnsupported = errors.New("unsupported input format")
	ErrOversized   = errors.New("input exceeds pixel limit")
)

// Options are the encoder knobs, mirrored from config.
type Options struct {
	MaxWidth  int     // 0 disables resizing
	Quality   float32 // webp quality 0-100
	Lossless  bool
	MaxPixels int64 // 0 disables the check
}

// Result is the transformed image plus what the ledger needs to know about it.
type Result struct {
	Data     []byte
	Width    int
	Height   int
	Format   string
	MimeType string
}

// Converter resizes any supported image down to MaxWidth and re-encodes it as WebP.
type Converter struct {
	opts Options
}

func NewConverter(opts Options) *Converter {
	return &Converter{opts: opts}
}

var decoders = map[string]func(*bytes.Reader) (image.Image, error){
	"image/jpeg": func(r *bytes.Reader) (image.Image, error) { return jpeg.Decode(r) },
	"image/png":  func(r *bytes.Reader) (image.Image, error) { return png.Decode(r) },
	"image/webp": func(r *bytes.Reader) (image.Image, error) { return webp.Decode(r) },
	"image/gif": func(r *bytes.Reader) (image.Image, error) {
		img, _, err := image.Decode(r)
		return img, err
	},
}

// Supported reports whether the mime type can be decoded.
func Supported(mimeType string) bool {
	_, ok := decoders[mimeType]
	return ok
}

func (c *Converter) Transform(data []byte) (Result, error) {
	mime := mimetype.Detect(data).String()
	decode, ok := decoders[mime]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, mime)
	}

	if c.opts.MaxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err == nil && int64(cfg.Width)*int64(cfg.Height) > c.opts.MaxPixels {
			return Result{}, fmt.Errorf("%w: %dx%d", ErrOversized, cfg.Width, cfg.Height)
		}
	}

	img, err := decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("error decoding %s: %w", mime, err)
	}

	img = (&ImageResizer{Width: c.opts.MaxWidth}).Modify(img)

	var buf bytes.Buffer
	err = webp.Encode(&buf, img, &webp.Options{
		Lossless: c.opts.Lossless,
		Quality:  c.opts.Quality,
	})
	if err != nil {
		return Result{}, fmt.Errorf("error encoding to webp: %w", err)
	}

	size := img.Bounds().Size()
	return Result{
		Data:     buf.Bytes(),
		Width:    size.X,
		Height:   size.Y,
		Format:   "webp",
		MimeType: "image/webp",
	}, nil
}

// ImageModifier defines an image modifier
type ImageModifier interface {
	Modify(img image.Image) image.Image
}

// ImageResizer shrinks images wider than Width, keeping the aspect ratio.
// Smaller images are returned untouched.
type ImageResizer struct {
	Width int
}

func (r *ImageResizer) Modify(img image.Image) image.Image {
	w := img.Bounds().Dx()
	if r.Width <= 0 || w <= r.Width {
		return img
	}
	return imaging.Resize(img, r.Width, 0, imaging.Lanczos)
}
