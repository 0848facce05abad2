package compositor

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/aliskhannn/delivery-frames/internal/model"
)

// DefaultBackground is the canvas colour used when none is configured.
const DefaultBackground = "#ffffff"

// Layer is one image placed on the canvas by a transform.
type Layer struct {
	Name      string
	Image     image.Image
	Transform model.Transform
}

// Surface is an ordered stack of layers, bottom first, composited onto an
// opaque background of fixed size.
type Surface struct {
	Width      int
	Height     int
	Background string // hex colour
	Layers     []Layer
}

// Render draws the surface at multiplier times its nominal size.
// It does not modify the surface or its images.
func Render(s Surface, multiplier float64) (image.Image, error) {
	if multiplier <= 0 {
		multiplier = 1
	}
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid canvas size %dx%d", ErrRender, s.Width, s.Height)
	}

	w := int(math.Round(float64(s.Width) * multiplier))
	h := int(math.Round(float64(s.Height) * multiplier))

	dc := gg.NewContext(w, h)

	bg := s.Background
	if bg == "" {
		bg = DefaultBackground
	}
	dc.SetHexColor(bg)
	dc.Clear()

	for _, l := range s.Layers {
		if l.Image == nil {
			return nil, fmt.Errorf("%w: layer %q has no image", ErrRender, l.Name)
		}
		if err := l.Transform.Validate(); err != nil {
			return nil, fmt.Errorf("%w: layer %q: %v", ErrRender, l.Name, err)
		}

		scaled, at := placeLayer(l.Image, l.Transform.Multiply(multiplier), w, h)
		if scaled == nil {
			continue
		}

		dc.DrawImage(scaled, at.X, at.Y)
	}

	return dc.Image(), nil
}

// placeLayer resamples the part of img that lands on a w×h canvas once it
// is scaled by t.Scale and moved to (t.OffsetX, t.OffsetY), and returns it with
// its canvas position. Only source pixels under the canvas are resampled, so
// the result is never larger than the canvas plus one scaled source pixel per
// side. It returns nil when nothing of the layer is visible.
func placeLayer(img image.Image, t model.Transform, w, h int) (image.Image, image.Point) {
	b := img.Bounds()
	s := t.Scale

	sw, sh := float64(b.Dx())*s, float64(b.Dy())*s
	if math.Round(sw) < 1 || math.Round(sh) < 1 {
		return nil, image.Point{}
	}

	// Visible part of the scaled layer in canvas coordinates.
	x0, y0 := math.Max(t.OffsetX, 0), math.Max(t.OffsetY, 0)
	x1, y1 := math.Min(t.OffsetX+sw, float64(w)), math.Min(t.OffsetY+sh, float64(h))
	if x1-x0 < 0.5 || y1-y0 < 0.5 {
		return nil, image.Point{}
	}

	// Source pixels covering it, widened to whole pixels.
	src := image.Rect(
		b.Min.X+int(math.Floor((x0-t.OffsetX)/s)),
		b.Min.Y+int(math.Floor((y0-t.OffsetY)/s)),
		b.Min.X+int(math.Ceil((x1-t.OffsetX)/s)),
		b.Min.Y+int(math.Ceil((y1-t.OffsetY)/s)),
	).Intersect(b)
	if src.Empty() {
		return nil, image.Point{}
	}

	// Where the source crop lands when scaled as a whole.
	dx0 := t.OffsetX + float64(src.Min.X-b.Min.X)*s
	dy0 := t.OffsetY + float64(src.Min.Y-b.Min.Y)*s
	dw := int(math.Round(float64(src.Dx()) * s))
	dh := int(math.Round(float64(src.Dy()) * s))

	if dw > 2*w || dh > 2*h {
		// A handful of source pixels magnified past the canvas: resample
		// straight into the visible rectangle.
		vis := image.Rect(int(math.Floor(x0)), int(math.Floor(y0)), int(math.Ceil(x1)), int(math.Ceil(y1)))
		return imaging.Resize(imaging.Crop(img, src), vis.Dx(), vis.Dy(), imaging.Lanczos), vis.Min
	}

	at := image.Pt(int(math.Round(dx0)), int(math.Round(dy0)))
	if src == b && dw == b.Dx() && dh == b.Dy() && b.Min == (image.Point{}) {
		return img, at
	}
	if src == b {
		return imaging.Resize(img, dw, dh, imaging.Lanczos), at
	}

	return imaging.Resize(imaging.Crop(img, src), dw, dh, imaging.Lanczos), at
}

// FitScale returns the uniform scale that makes an artwork of aw×ah fit the
// canvas: min(canvasW/aw, canvasH/ah).
func FitScale(canvasW, canvasH, aw, ah int) float64 {
	if aw <= 0 || ah <= 0 {
		return 1
	}

	return math.Min(float64(canvasW)/float64(aw), float64(canvasH)/float64(ah))
}
