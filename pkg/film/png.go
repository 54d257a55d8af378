package film

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
)

const gamma = 2.2

// Image converts the accumulated radiance to an 8-bit image: the per-pixel
// average is clamped to [0, 1] and gamma corrected.
func (f *Film) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))

	spp := f.SPP()
	if spp <= 0 {
		spp = 1
	}

	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := (y*f.Width + x) * 3
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(f.Pixels[i] / spp),
				G: toByte(f.Pixels[i+1] / spp),
				B: toByte(f.Pixels[i+2] / spp),
				A: 255,
			})
		}
	}

	return img
}

// WritePNG saves the derived output image to path
func (f *Film) WritePNG(path string) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, f.Image()); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}

	return writeFileAtomic(path, buf.Bytes())
}

func toByte(v float64) uint8 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Pow(v, 1/gamma)*255 + 0.5)
}
