package delivery

import (
	"sync"
	"time"

	"github.com/aliskhannn/delivery-frames/internal/batch"
	"github.com/aliskhannn/delivery-frames/internal/compositor"
	"github.com/aliskhannn/delivery-frames/internal/model"
)

// session owns the compositing state of one delivery until its record is
// written. Frames that failed stay in failures until a retry succeeds.
type session struct {
	mu sync.Mutex

	req        model.DeliveryRequest
	frames     []model.FrameTemplate
	subject    *model.RasterImage
	comp       *compositor.Compositor
	gen        *batch.Generator
	results    *batch.ResultSet
	transforms batch.Transforms

	urls      map[string]string // frame ID -> public URL
	failures  map[string]error
	finalized bool
	closed    bool
	lastUsed  time.Time
}

func (s *session) frame(id string) (model.FrameTemplate, bool) {
	for _, f := range s.frames {
		if f.ID == id {
			return f, true
		}
	}
	return model.FrameTemplate{}, false
}

// missing lists selected frames without a stored upload, in selection order.
func (s *session) missing() []string {
	var out []string
	for _, f := range s.frames {
		if _, ok := s.urls[f.ID]; !ok {
			out = append(out, f.ID)
		}
	}
	return out
}

// idle frees what can be reloaded on the next call and stamps the session
// as used at now.
func (s *session) idle(now time.Time) {
	s.comp.ReleaseArtwork()
	s.lastUsed = now
}

// close drops every buffer held by the session.
func (s *session) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.results.Release()
	s.comp.Close()
	s.subject.Release()
}
