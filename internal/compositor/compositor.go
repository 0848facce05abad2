package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/model"
)

var (
	ErrAssetLoad     = errors.New("failed to load asset")
	ErrRender        = errors.New("failed to render composite")
	ErrUnknownFrame  = errors.New("unknown frame")
	ErrNoActiveFrame = errors.New("no active frame")
)

// assetLoader resolves an artwork reference to a decoded image.
type assetLoader interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

// Options configures the canvas shared by every frame.
type Options struct {
	Width      int
	Height     int
	Background string  // hex colour
	MaxScale   float64 // largest subject zoom, model.DefaultMaxScale when zero
}

// Compositor holds a subject photo under one active frame at a time.
//
// The subject transform survives frame switches so the same crop and zoom is
// applied under every frame. A Compositor is not safe for concurrent use.
type Compositor struct {
	loader assetLoader
	opts   Options

	subject image.Image
	frames  map[string]model.FrameTemplate
	artwork map[string]image.Image

	active    string
	initial   model.Transform
	transform model.Transform

	preview image.Image // cached 1x render, nil when stale
}

// New creates a Compositor for subject and the given frames.
func New(subject *model.RasterImage, frames []model.FrameTemplate, loader assetLoader, initial model.Transform, opts Options) (*Compositor, error) {
	if subject == nil || subject.Image == nil {
		return nil, fmt.Errorf("%w: subject image is missing", ErrAssetLoad)
	}
	if err := initial.ValidateZoom(opts.MaxScale); err != nil {
		return nil, err
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid canvas size %dx%d", ErrRender, opts.Width, opts.Height)
	}

	byID := make(map[string]model.FrameTemplate, len(frames))
	for _, f := range frames {
		byID[f.ID] = f
	}

	return &Compositor{
		loader:    loader,
		opts:      opts,
		subject:   subject.Image,
		frames:    byID,
		artwork:   make(map[string]image.Image, len(frames)),
		initial:   initial,
		transform: initial,
	}, nil
}

// ActivateFrame makes frameID the overlay layer. It returns once the
// artwork is loaded, so a successful call means the surface is ready to render.
func (c *Compositor) ActivateFrame(ctx context.Context, frameID string) error {
	if c.subject == nil {
		return fmt.Errorf("%w: compositor is closed", ErrAssetLoad)
	}

	frame, ok := c.frames[frameID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFrame, frameID)
	}

	if _, loaded := c.artwork[frameID]; !loaded {
		img, err := c.loader.Load(ctx, frame.ArtworkRef)
		if err != nil {
			return fmt.Errorf("%w: frame %s: %v", ErrAssetLoad, frameID, err)
		}
		c.artwork[frameID] = img

		zlog.Logger.Debug().
			Str("frame_id", frameID).
			Str("ref", frame.ArtworkRef).
			Msg("frame artwork loaded")
	}

	if c.active != frameID {
		c.active = frameID
		c.preview = nil
	}

	return nil
}

// ActiveFrame returns the frame currently used as overlay.
func (c *Compositor) ActiveFrame() (model.FrameTemplate, bool) {
	if c.active == "" {
		return model.FrameTemplate{}, false
	}
	return c.frames[c.active], true
}

// SetTransform moves and scales the subject layer.
// Setting the current transform again leaves the surface untouched.
func (c *Compositor) SetTransform(t model.Transform) error {
	if err := t.ValidateZoom(c.opts.MaxScale); err != nil {
		return err
	}
	if t != c.transform {
		c.transform = t
		c.preview = nil
	}
	return nil
}

// ResetTransform restores the transform the Compositor was created with.
func (c *Compositor) ResetTransform() {
	_ = c.SetTransform(c.initial)
}

// Transform returns the current subject transform.
func (c *Compositor) Transform() model.Transform {
	return c.transform
}

// Surface returns the layer stack for the active frame: subject first,
// frame artwork on top scaled uniformly to fit the canvas.
func (c *Compositor) Surface() (Surface, error) {
	if c.active == "" {
		return Surface{}, fmt.Errorf("%w: %w", ErrRender, ErrNoActiveFrame)
	}

	art := c.artwork[c.active]
	ab := art.Bounds()

	return Surface{
		Width:      c.opts.Width,
		Height:     c.opts.Height,
		Background: c.opts.Background,
		Layers: []Layer{
			{Name: "subject", Image: c.subject, Transform: c.transform},
			{Name: "frame", Image: art, Transform: model.Transform{
				Scale: FitScale(c.opts.Width, c.opts.Height, ab.Dx(), ab.Dy()),
			}},
		},
	}, nil
}

// Render composites the active frame at multiplier times the canvas size.
func (c *Compositor) Render(multiplier float64) (image.Image, error) {
	s, err := c.Surface()
	if err != nil {
		return nil, err
	}

	return Render(s, multiplier)
}

// Preview renders at canvas size, reusing the previous render while neither
// the frame nor the transform has changed.
func (c *Compositor) Preview() (image.Image, error) {
	if c.preview != nil {
		return c.preview, nil
	}

	img, err := c.Render(1)
	if err != nil {
		return nil, err
	}
	c.preview = img

	return img, nil
}

// ReleaseArtwork drops cached frame artwork and the preview. The next
// ActivateFrame loads the artwork again.
func (c *Compositor) ReleaseArtwork() {
	if c.subject == nil {
		return
	}
	clear(c.artwork)
	c.preview = nil
	c.active = ""
}

// Close drops the subject, cached artwork and preview.
func (c *Compositor) Close() {
	c.subject = nil
	c.artwork = nil
	c.preview = nil
	c.active = ""
}
