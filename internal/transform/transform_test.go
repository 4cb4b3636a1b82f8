package transform

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(w, h)))
	return buf.Bytes()
}

func TestTransform_ShrinksWideImages(t *testing.T) {
	c := NewConverter(Options{MaxWidth: 1200, Quality: 60})

	res, err := c.Transform(encodePNG(t, 2400, 100))
	require.NoError(t, err)

	assert.Equal(t, 1200, res.Width)
	assert.Equal(t, 50, res.Height)
	assert.Equal(t, "image/webp", res.MimeType)
	assert.Equal(t, "webp", res.Format)
	assert.Equal(t, "image/webp", mimetype.Detect(res.Data).String())
}

func TestTransform_DoesNotEnlarge(t *testing.T) {
	c := NewConverter(Options{MaxWidth: 1200, Quality: 60})

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(300, 200), nil))

	res, err := c.Transform(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 300, res.Width)
	assert.Equal(t, 200, res.Height)
}

func TestTransform_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		data []byte
		want error
	}{
		{
			name: "plain text",
			opts: Options{MaxWidth: 1200},
			data: []byte("definitely not an image"),
			want: ErrUnsupported,
		},
		{
			name: "over pixel limit",
			opts: Options{MaxWidth: 1200, MaxPixels: 100},
			data: encodePNG(t, 20, 20),
			want: ErrOversized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConverter(tt.opts).Transform(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTransform_CorruptPNG(t *testing.T) {
	data := encodePNG(t, 10, 10)
	_, err := NewConverter(Options{}).Transform(data[:len(data)/2])
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("image/png"))
	assert.True(t, Supported("image/webp"))
	assert.False(t, Supported("application/pdf"))
}
