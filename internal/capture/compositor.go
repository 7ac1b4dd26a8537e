// SPDX-License-Identifier: MIT

package capture

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
)

// Watermark proportions, relative to the frame.
const (
	watermarkPaddingRatio   = 0.025
	watermarkMinPadding     = 4
	watermarkMaxWidthRatio  = 0.22
	watermarkMaxHeightRatio = 0.09
	plateExpandRatio        = 0.20
	plateRadiusRatio        = 0.30
	plateAlpha              = 115 // 45% of 255
)

// watermarkLayout is the placement of the watermark in frame coordinates.
type watermarkLayout struct {
	Logo   image.Rectangle
	Plate  image.Rectangle
	Radius int
}

// layoutWatermark anchors the plate bottom-right inside the padding and fits
// the logo into it. The logo is scaled down to fit, never up.
func layoutWatermark(frame, logo image.Point) watermarkLayout {
	pad := int(math.Round(watermarkPaddingRatio * float64(min(frame.X, frame.Y))))
	pad = max(pad, watermarkMinPadding)

	scale := math.Min(1, math.Min(
		watermarkMaxWidthRatio*float64(frame.X)/float64(logo.X),
		watermarkMaxHeightRatio*float64(frame.Y)/float64(logo.Y),
	))
	// The epsilon keeps exact fits from flooring one pixel short.
	w := max(1, int(math.Floor(float64(logo.X)*scale+1e-6)))
	h := max(1, int(math.Floor(float64(logo.Y)*scale+1e-6)))

	expand := int(math.Round(plateExpandRatio * float64(h)))
	plate := image.Rect(
		frame.X-pad-w-2*expand, frame.Y-pad-h-2*expand,
		frame.X-pad, frame.Y-pad,
	)
	return watermarkLayout{
		Logo:   image.Rect(plate.Min.X+expand, plate.Min.Y+expand, plate.Max.X-expand, plate.Max.Y-expand),
		Plate:  plate,
		Radius: int(math.Round(plateRadiusRatio * float64(plate.Dy()))),
	}
}

// Compositor draws frames onto an offscreen canvas and stamps the watermark
// when the user is not premium. The returned canvas is reused: it is valid
// until the next Compose call.
type Compositor struct {
	logo    image.Image
	premium bool

	size    image.Point
	canvas  *image.RGBA
	layout  watermarkLayout
	overlay *image.RGBA
}

func NewCompositor(logo image.Image, premium bool) *Compositor {
	if logo == nil {
		logo = DefaultLogo()
	}
	return &Compositor{logo: logo, premium: premium}
}

func (c *Compositor) Compose(src *image.RGBA) *image.RGBA {
	if src == nil {
		return nil
	}
	size := src.Bounds().Size()
	if c.canvas == nil || size != c.size {
		c.resizeTo(size)
	}

	draw.Draw(c.canvas, c.canvas.Bounds(), src, src.Bounds().Min, draw.Src)
	if c.overlay != nil {
		draw.Draw(c.canvas, c.layout.Plate, c.overlay, image.Point{}, draw.Over)
	}
	return c.canvas
}

// resizeTo rebuilds the canvas and the cached overlay for a new frame size.
func (c *Compositor) resizeTo(size image.Point) {
	c.size = size
	c.canvas = image.NewRGBA(image.Rectangle{Max: size})
	c.overlay = nil
	if c.premium || size.X <= 0 || size.Y <= 0 {
		return
	}

	c.layout = layoutWatermark(size, c.logo.Bounds().Size())
	plate := c.layout.Plate
	overlay := image.NewRGBA(image.Rect(0, 0, plate.Dx(), plate.Dy()))

	mask := &roundedRect{w: plate.Dx(), h: plate.Dy(), r: c.layout.Radius}
	draw.DrawMask(overlay, overlay.Bounds(), image.NewUniform(color.NRGBA{A: plateAlpha}), image.Point{}, mask, image.Point{}, draw.Over)

	logo := c.logo
	lw, lh := c.layout.Logo.Dx(), c.layout.Logo.Dy()
	if logo.Bounds().Dx() != lw || logo.Bounds().Dy() != lh {
		logo = resize.Resize(uint(lw), uint(lh), logo, resize.Lanczos3)
	}
	dst := c.layout.Logo.Sub(plate.Min)
	draw.Draw(overlay, dst, logo, logo.Bounds().Min, draw.Over)

	c.overlay = overlay
}

// roundedRect is an alpha mask of a w×h rectangle with corner radius r.
type roundedRect struct {
	w, h, r int
}

func (m *roundedRect) ColorModel() color.Model { return color.AlphaModel }

func (m *roundedRect) Bounds() image.Rectangle { return image.Rect(0, 0, m.w, m.h) }

func (m *roundedRect) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.w || y >= m.h {
		return color.Transparent
	}
	r := min(m.r, m.w/2, m.h/2)
	if r <= 0 {
		return color.Opaque
	}

	// Distance to the nearest corner centre, only inside the corner boxes.
	cx, cy := -1, -1
	switch {
	case x < r:
		cx = r
	case x >= m.w-r:
		cx = m.w - r - 1
	}
	switch {
	case y < r:
		cy = r
	case y >= m.h-r:
		cy = m.h - r - 1
	}
	if cx < 0 || cy < 0 {
		return color.Opaque
	}
	dx, dy := float64(x-cx), float64(y-cy)
	if dx*dx+dy*dy > float64(r*r) {
		return color.Transparent
	}
	return color.Opaque
}
