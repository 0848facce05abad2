package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/fallback"
	"github.com/aliskhannn/delivery-frames/internal/metrics"
	"github.com/aliskhannn/delivery-frames/internal/model"
	"github.com/aliskhannn/delivery-frames/internal/normalizer"
)

// compositor renders the subject under one active frame at a time.
type compositor interface {
	ActivateFrame(ctx context.Context, frameID string) error
	SetTransform(t model.Transform) error
	Render(multiplier float64) (image.Image, error)
}

// remoteCompositor renders a composite out of process.
type remoteCompositor interface {
	Composite(ctx context.Context, req model.FallbackRequest) ([]byte, string, error)
}

// Options configures how composites are exported.
type Options struct {
	Multiplier float64 // export size relative to the canvas
	Format     string  // png or jpeg
	Quality    float64 // jpeg quality 0..1
}

// Transforms selects the subject transform for each frame.
type Transforms struct {
	Default  model.Transform
	PerFrame map[string]model.Transform
}

// For returns the transform to apply under frameID.
func (t Transforms) For(frameID string) model.Transform {
	if tr, ok := t.PerFrame[frameID]; ok {
		return tr
	}
	return t.Default
}

// Outcome reports what happened to one frame.
type Outcome struct {
	FrameID   string
	FrameName string
	Result    *model.CompositeResult
	Err       error
}

// OK reports whether the frame produced a composite.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Result != nil
}

// Generator drives a Compositor across a selection of frames.
// Frames are rendered strictly one after another since the Compositor holds
// a single active frame.
type Generator struct {
	comp       compositor
	remote     remoteCompositor
	subjectRef string
	opts       Options
}

// New creates a Generator. subjectRef is the reference the remote function
// uses to fetch the subject photo; remote may be nil to disable the fallback.
func New(comp compositor, remote remoteCompositor, subjectRef string, opts Options) *Generator {
	if opts.Multiplier <= 0 {
		opts.Multiplier = 1
	}
	return &Generator{comp: comp, remote: remote, subjectRef: subjectRef, opts: opts}
}

// GenerateAll renders every frame in the given order into set and returns
// one outcome per frame. A failure on one frame does not stop the others.
func (g *Generator) GenerateAll(ctx context.Context, frames []model.FrameTemplate, tr Transforms, set *ResultSet) []Outcome {
	outcomes := make([]Outcome, 0, len(frames))
	for _, f := range frames {
		outcomes = append(outcomes, g.Generate(ctx, f, tr.For(f.ID), set))
	}
	return outcomes
}

// Generate renders a single frame and stores the result in its slot of set,
// leaving every other slot as it was. Local failures fall back to the remote
// function once; if that fails too the outcome carries the error.
func (g *Generator) Generate(ctx context.Context, frame model.FrameTemplate, tr model.Transform, set *ResultSet) Outcome {
	out := Outcome{FrameID: frame.ID, FrameName: frame.Name}

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	if err := tr.Validate(); err != nil {
		out.Err = err
		metrics.CompositeProduced("failed")
		return out
	}

	res, localErr := g.renderLocal(ctx, frame, tr)
	if localErr != nil {
		if ctx.Err() != nil {
			out.Err = ctx.Err()
			return out
		}
		// The remote function applies the same zoom bound.
		if errors.Is(localErr, model.ErrInvalidTransform) {
			out.Err = localErr
			metrics.CompositeProduced("failed")
			return out
		}

		zlog.Logger.Warn().
			Err(localErr).
			Str("frame_id", frame.ID).
			Msg("local compositing failed, trying remote")

		var remoteErr error
		res, remoteErr = g.renderRemote(ctx, frame, tr)
		if remoteErr != nil {
			zlog.Logger.Error().
				Err(remoteErr).
				Str("frame_id", frame.ID).
				Msg("remote compositing failed")
			metrics.CompositeProduced("failed")

			out.Err = errors.Join(localErr, remoteErr)
			return out
		}
	}

	if set != nil {
		set.Put(res)
	}
	out.Result = res

	metrics.CompositeProduced(string(res.Source))
	zlog.Logger.Info().
		Str("frame_id", frame.ID).
		Str("source", string(res.Source)).
		Int("bytes", len(res.Data)).
		Msg("composite generated")

	return out
}

func (g *Generator) renderLocal(ctx context.Context, frame model.FrameTemplate, tr model.Transform) (*model.CompositeResult, error) {
	// ActivateFrame returns only once the artwork is resident, which replaces
	// waiting a fixed settle delay before rendering.
	if err := g.comp.ActivateFrame(ctx, frame.ID); err != nil {
		return nil, err
	}
	if err := g.comp.SetTransform(tr); err != nil {
		return nil, err
	}

	img, err := g.comp.Render(g.opts.Multiplier)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := normalizer.Encode(&buf, img, g.opts.Format, g.opts.Quality); err != nil {
		return nil, err
	}

	return newResult(frame, tr, buf.Bytes(), model.ContentTypeFor(g.format()), model.SourceLocal), nil
}

func (g *Generator) renderRemote(ctx context.Context, frame model.FrameTemplate, tr model.Transform) (*model.CompositeResult, error) {
	if g.remote == nil {
		return nil, fmt.Errorf("%w: fallback disabled", fallback.ErrRemoteComposite)
	}

	data, contentType, err := g.remote.Composite(ctx, model.FallbackRequest{
		SubjectRef: g.subjectRef,
		OverlayRef: frame.ArtworkRef,
		Transform:  tr,
	})
	if err != nil {
		return nil, err
	}

	return newResult(frame, tr, data, contentType, model.SourceFallback), nil
}

func (g *Generator) format() string {
	if g.opts.Format == "png" {
		return "png"
	}
	return "jpeg"
}

func newResult(frame model.FrameTemplate, tr model.Transform, data []byte, contentType string, src model.Source) *model.CompositeResult {
	return &model.CompositeResult{
		FrameID:     frame.ID,
		FrameName:   frame.Name,
		Data:        data,
		ContentType: contentType,
		DataURI:     fallback.EncodeDataURI(data, contentType),
		Source:      src,
		Transform:   tr,
	}
}
