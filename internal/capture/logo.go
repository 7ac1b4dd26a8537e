// SPDX-License-Identifier: MIT

package capture

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // decoder registration
	_ "image/png"  // decoder registration
	"os"
	"path/filepath"
)

// LoadLogo decodes a PNG or JPEG watermark from disk.
func LoadLogo(path string) (image.Image, error) {
	// #nosec G304 -- logo path comes from operator config
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open logo: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode logo %s: %w", path, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("logo %s is empty", path)
	}
	return img, nil
}

// DefaultLogo renders the built-in 320×96 mark: a white wordmark block with a
// play glyph, on transparency.
func DefaultLogo() image.Image {
	const w, h = 320, 96
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	white := image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255})

	// Play triangle.
	for y := 16; y < 80; y++ {
		half := 32 - abs(y-48)
		draw.Draw(img, image.Rect(12, y, 12+half*2, y+1), white, image.Point{}, draw.Src)
	}
	// Wordmark bars.
	for i, bw := range []int{200, 168, 120} {
		y := 20 + i*24
		draw.Draw(img, image.Rect(100, y, 100+bw, y+12), white, image.Point{}, draw.Src)
	}
	return img
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
