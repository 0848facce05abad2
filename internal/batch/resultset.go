package batch

import (
	"sync"

	"github.com/aliskhannn/delivery-frames/internal/model"
)

// ResultSet holds one composite slot per selected frame, in selection order.
// Writing a slot never touches the others.
type ResultSet struct {
	mu      sync.RWMutex
	order   []string
	results map[string]*model.CompositeResult
}

// NewResultSet creates an empty slot for every frame.
func NewResultSet(frames []model.FrameTemplate) *ResultSet {
	s := &ResultSet{
		order:   make([]string, 0, len(frames)),
		results: make(map[string]*model.CompositeResult, len(frames)),
	}
	for _, f := range frames {
		s.order = append(s.order, f.ID)
	}
	return s
}

// Put stores r in its frame's slot, replacing any previous result.
func (s *ResultSet) Put(r *model.CompositeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.results[r.FrameID]; !known && !s.contains(r.FrameID) {
		s.order = append(s.order, r.FrameID)
	}
	if prev := s.results[r.FrameID]; prev != nil && prev != r {
		prev.Release()
	}
	s.results[r.FrameID] = r
}

// Get returns the result stored for frameID.
func (s *ResultSet) Get(frameID string) (*model.CompositeResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[frameID]
	return r, ok
}

// Results returns the produced results in selection order.
func (s *ResultSet) Results() []*model.CompositeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.CompositeResult, 0, len(s.results))
	for _, id := range s.order {
		if r, ok := s.results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Missing returns the frames that have no result yet, in selection order.
func (s *ResultSet) Missing() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, id := range s.order {
		if _, ok := s.results[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of slots.
func (s *ResultSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}

// Release drops every stored buffer.
func (s *ResultSet) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.results {
		r.Release()
		delete(s.results, id)
	}
}

func (s *ResultSet) contains(id string) bool {
	for _, o := range s.order {
		if o == id {
			return true
		}
	}
	return false
}
