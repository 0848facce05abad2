package batch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	compositorpkg "github.com/aliskhannn/delivery-frames/internal/compositor"
	"github.com/aliskhannn/delivery-frames/internal/fallback"
	"github.com/aliskhannn/delivery-frames/internal/model"
)

type fakeCompositor struct {
	failRender map[string]bool
	activated  []string
	transforms []model.Transform
	active     string
	current    model.Transform
}

func (c *fakeCompositor) ActivateFrame(_ context.Context, id string) error {
	c.activated = append(c.activated, id)
	c.active = id
	return nil
}

func (c *fakeCompositor) SetTransform(t model.Transform) error {
	c.transforms = append(c.transforms, t)
	c.current = t
	return nil
}

func (c *fakeCompositor) Render(m float64) (image.Image, error) {
	if c.failRender[c.active] {
		return nil, compositorpkg.ErrRender
	}
	img := image.NewNRGBA(image.Rect(0, 0, int(4*m), int(3*m)))
	img.SetNRGBA(0, 0, color.NRGBA{R: uint8(c.current.Scale * 100), A: 255})
	return img, nil
}

type fakeRemote struct {
	fail  bool
	calls []model.FallbackRequest
}

func (r *fakeRemote) Composite(_ context.Context, req model.FallbackRequest) ([]byte, string, error) {
	r.calls = append(r.calls, req)
	if r.fail {
		return nil, "", fallback.ErrRemoteComposite
	}
	return []byte("remote:" + req.OverlayRef), "image/jpeg", nil
}

func frames(n int) []model.FrameTemplate {
	out := make([]model.FrameTemplate, 0, n)
	for i := 1; i <= n; i++ {
		id := string(rune('0' + i))
		out = append(out, model.FrameTemplate{ID: "f" + id, Name: "Frame " + id, ArtworkRef: "frames/f" + id + ".png"})
	}
	return out
}

var defaultTransform = model.Transform{Scale: 0.8, OffsetX: 50, OffsetY: 50}

func TestGenerateAllFallsBackForFailingFrameOnly(t *testing.T) {
	comp := &fakeCompositor{failRender: map[string]bool{"f2": true}}
	remote := &fakeRemote{}
	g := New(comp, remote, "original/d1.jpg", Options{Multiplier: 2, Format: "png"})

	fs := frames(3)
	set := NewResultSet(fs)

	outcomes := g.GenerateAll(context.Background(), fs, Transforms{Default: defaultTransform}, set)
	require.Len(t, outcomes, 3)

	for _, o := range outcomes {
		require.True(t, o.OK(), "frame %s: %v", o.FrameID, o.Err)
	}
	assert.Equal(t, model.SourceLocal, outcomes[0].Result.Source)
	assert.Equal(t, model.SourceFallback, outcomes[1].Result.Source)
	assert.Equal(t, model.SourceLocal, outcomes[2].Result.Source)

	require.Len(t, remote.calls, 1)
	assert.Equal(t, model.FallbackRequest{
		SubjectRef: "original/d1.jpg",
		OverlayRef: "frames/f2.png",
		Transform:  defaultTransform,
	}, remote.calls[0])

	assert.Equal(t, []string{"f1", "f2", "f3"}, comp.activated)
	assert.Equal(t, "image/png", outcomes[0].Result.ContentType)
	assert.Equal(t, "image/jpeg", outcomes[1].Result.ContentType)
	assert.Contains(t, outcomes[0].Result.DataURI, "data:image/png;base64,")

	results := set.Results()
	require.Len(t, results, 3)
	assert.Empty(t, set.Missing())
}

func TestGenerateAllReportsTerminalFailure(t *testing.T) {
	comp := &fakeCompositor{failRender: map[string]bool{"f2": true}}
	remote := &fakeRemote{fail: true}
	g := New(comp, remote, "original/d1.jpg", Options{})

	fs := frames(3)
	set := NewResultSet(fs)

	outcomes := g.GenerateAll(context.Background(), fs, Transforms{Default: defaultTransform}, set)
	require.Len(t, outcomes, 3)

	assert.True(t, outcomes[0].OK())
	assert.False(t, outcomes[1].OK())
	assert.ErrorIs(t, outcomes[1].Err, compositorpkg.ErrRender)
	assert.ErrorIs(t, outcomes[1].Err, fallback.ErrRemoteComposite)
	assert.True(t, outcomes[2].OK())

	// One remote attempt, no retries inside the generator.
	assert.Len(t, remote.calls, 1)
	assert.Equal(t, []string{"f2"}, set.Missing())
}

func TestGenerateWithoutFallback(t *testing.T) {
	comp := &fakeCompositor{failRender: map[string]bool{"f1": true}}
	g := New(comp, nil, "", Options{})

	o := g.Generate(context.Background(), frames(1)[0], defaultTransform, nil)
	require.False(t, o.OK())
	assert.ErrorIs(t, o.Err, fallback.ErrRemoteComposite)
}

func TestOutcomeCountMatchesFrames(t *testing.T) {
	for n := 0; n <= 5; n++ {
		comp := &fakeCompositor{failRender: map[string]bool{"f1": true, "f4": true}}
		g := New(comp, &fakeRemote{fail: n%2 == 0}, "s", Options{})

		fs := frames(n)
		outcomes := g.GenerateAll(context.Background(), fs, Transforms{Default: defaultTransform}, NewResultSet(fs))
		require.Len(t, outcomes, n)
		for i, o := range outcomes {
			assert.Equal(t, fs[i].ID, o.FrameID)
		}
	}
}

func TestRegenerateSingleFrameKeepsOthers(t *testing.T) {
	comp := &fakeCompositor{}
	g := New(comp, &fakeRemote{}, "s", Options{Format: "png"})

	fs := frames(3)
	set := NewResultSet(fs)
	g.GenerateAll(context.Background(), fs, Transforms{Default: defaultTransform}, set)

	before1, _ := set.Get("f1")
	before3, _ := set.Get("f3")
	data1 := append([]byte(nil), before1.Data...)
	data3 := append([]byte(nil), before3.Data...)

	o := g.Generate(context.Background(), fs[1], model.Transform{Scale: 1.2, OffsetX: 5}, set)
	require.True(t, o.OK())

	after1, _ := set.Get("f1")
	after3, _ := set.Get("f3")
	assert.Same(t, before1, after1)
	assert.Same(t, before3, after3)
	assert.True(t, bytes.Equal(data1, after1.Data))
	assert.True(t, bytes.Equal(data3, after3.Data))

	after2, _ := set.Get("f2")
	assert.Same(t, o.Result, after2)
	assert.Equal(t, model.Transform{Scale: 1.2, OffsetX: 5}, after2.Transform)

	// Only the regenerated frame was activated again.
	assert.Equal(t, []string{"f1", "f2", "f3", "f2"}, comp.activated)
}

func TestPerFrameTransforms(t *testing.T) {
	comp := &fakeCompositor{}
	g := New(comp, nil, "s", Options{})

	special := model.Transform{Scale: 1.5, OffsetX: -10, OffsetY: 20}
	fs := frames(3)
	g.GenerateAll(context.Background(), fs, Transforms{
		Default:  defaultTransform,
		PerFrame: map[string]model.Transform{"f2": special},
	}, NewResultSet(fs))

	assert.Equal(t, []model.Transform{defaultTransform, special, defaultTransform}, comp.transforms)
}

func TestInvalidTransformSkipsFallback(t *testing.T) {
	remote := &fakeRemote{}
	g := New(&fakeCompositor{}, remote, "s", Options{})

	o := g.Generate(context.Background(), frames(1)[0], model.Transform{Scale: 0}, nil)
	require.ErrorIs(t, o.Err, model.ErrInvalidTransform)
	assert.Empty(t, remote.calls)
}

func TestZoomAboveLimitSkipsFallback(t *testing.T) {
	fs := frames(1)
	comp, err := compositorpkg.New(&model.RasterImage{Image: image.NewNRGBA(image.Rect(0, 0, 40, 30))}, fs, artworkLoader{
		"frames/f1.png": image.NewNRGBA(image.Rect(0, 0, 80, 60)),
	}, defaultTransform, compositorpkg.Options{Width: 80, Height: 60})
	require.NoError(t, err)

	remote := &fakeRemote{}
	g := New(comp, remote, "s", Options{})

	o := g.Generate(context.Background(), fs[0], model.Transform{Scale: 50}, nil)
	require.ErrorIs(t, o.Err, model.ErrInvalidTransform)
	assert.Empty(t, remote.calls)
}

func TestCancelledGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	comp := &fakeCompositor{}
	remote := &fakeRemote{}
	g := New(comp, remote, "s", Options{})

	fs := frames(3)
	outcomes := g.GenerateAll(ctx, fs, Transforms{Default: defaultTransform}, NewResultSet(fs))
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.True(t, errors.Is(o.Err, context.Canceled))
	}
	assert.Empty(t, comp.activated)
	assert.Empty(t, remote.calls)
}

// Drives a real Compositor whose second frame artwork cannot be loaded.
type artworkLoader map[string]image.Image

func (l artworkLoader) Load(_ context.Context, ref string) (image.Image, error) {
	img, ok := l[ref]
	if !ok {
		return nil, errors.New("corrupt artwork")
	}
	return img, nil
}

func TestGenerateAllWithCompositor(t *testing.T) {
	art := image.NewNRGBA(image.Rect(0, 0, 80, 60))
	subject := image.NewNRGBA(image.Rect(0, 0, 40, 30))

	fs := frames(3)
	comp, err := compositorpkg.New(&model.RasterImage{Image: subject}, fs, artworkLoader{
		"frames/f1.png": art,
		"frames/f3.png": art,
	}, defaultTransform, compositorpkg.Options{Width: 80, Height: 60})
	require.NoError(t, err)

	remote := &fakeRemote{}
	g := New(comp, remote, "original/d1.jpg", Options{Multiplier: 2, Format: "png"})

	set := NewResultSet(fs)
	outcomes := g.GenerateAll(context.Background(), fs, Transforms{Default: defaultTransform}, set)
	require.Len(t, outcomes, 3)

	assert.Equal(t, model.SourceLocal, outcomes[0].Result.Source)
	assert.Equal(t, model.SourceFallback, outcomes[1].Result.Source)
	assert.Equal(t, model.SourceLocal, outcomes[2].Result.Source)
	assert.Equal(t, []byte("remote:frames/f2.png"), outcomes[1].Result.Data)
}

func TestResultSetOrderAndRelease(t *testing.T) {
	fs := frames(3)
	set := NewResultSet(fs)
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, []string{"f1", "f2", "f3"}, set.Missing())

	set.Put(&model.CompositeResult{FrameID: "f3", Data: []byte{3}})
	set.Put(&model.CompositeResult{FrameID: "f1", Data: []byte{1}})
	set.Put(&model.CompositeResult{FrameID: "extra", Data: []byte{9}})

	results := set.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "f1", results[0].FrameID)
	assert.Equal(t, "f3", results[1].FrameID)
	assert.Equal(t, "extra", results[2].FrameID)
	assert.Equal(t, []string{"f2"}, set.Missing())

	old, _ := set.Get("f1")
	set.Put(&model.CompositeResult{FrameID: "f1", Data: []byte{11}})
	assert.Nil(t, old.Data)

	set.Release()
	assert.Empty(t, set.Results())
}
