package fallback

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/aliskhannn/delivery-frames/internal/compositor"
	"github.com/aliskhannn/delivery-frames/internal/model"
	"github.com/aliskhannn/delivery-frames/internal/normalizer"
)

// assetLoader resolves image references.
type assetLoader interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

// RenderOptions configures server-side rendering.
type RenderOptions struct {
	Canvas     compositor.Options
	Multiplier float64
	Format     string  // png or jpeg
	Quality    float64 // jpeg quality 0..1
}

// Renderer is the server side of the remote compositing function: it fetches
// the subject and overlay by reference and renders the same composite a
// local Compositor would.
type Renderer struct {
	loader assetLoader
	opts   RenderOptions
}

// NewRenderer creates a Renderer.
func NewRenderer(loader assetLoader, opts RenderOptions) *Renderer {
	return &Renderer{loader: loader, opts: opts}
}

// Composite renders req and returns the encoded image and its content type.
func (r *Renderer) Composite(ctx context.Context, req model.FallbackRequest) ([]byte, string, error) {
	if err := req.Transform.ValidateZoom(r.opts.Canvas.MaxScale); err != nil {
		return nil, "", err
	}

	subject, err := r.loader.Load(ctx, req.SubjectRef)
	if err != nil {
		return nil, "", fmt.Errorf("%w: subject: %v", compositor.ErrAssetLoad, err)
	}

	const frameID = "remote"
	frames := []model.FrameTemplate{{ID: frameID, ArtworkRef: req.OverlayRef}}

	c, err := compositor.New(&model.RasterImage{Image: subject}, frames, r.loader, req.Transform, r.opts.Canvas)
	if err != nil {
		return nil, "", err
	}
	defer c.Close()

	if err := c.ActivateFrame(ctx, frameID); err != nil {
		return nil, "", err
	}

	img, err := c.Render(r.opts.Multiplier)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	if err := normalizer.Encode(&buf, img, r.opts.Format, r.opts.Quality); err != nil {
		return nil, "", err
	}

	format := r.opts.Format
	if format != "png" {
		format = "jpeg"
	}

	return buf.Bytes(), model.ContentTypeFor(format), nil
}
