package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/batch"
	"github.com/aliskhannn/delivery-frames/internal/compositor"
	"github.com/aliskhannn/delivery-frames/internal/model"
	"github.com/aliskhannn/delivery-frames/internal/normalizer"
	"github.com/aliskhannn/delivery-frames/internal/uploadqueue"
)

var (
	ErrInvalidRequest  = errors.New("invalid delivery request")
	ErrSessionNotFound = errors.New("delivery session not found")
	ErrIncomplete      = errors.New("delivery incomplete")
)

// photoNormalizer turns an uploaded photo into a bounded raster image.
type photoNormalizer interface {
	Normalize(r io.Reader) (*model.RasterImage, error)
}

// objectStorage stores and loads objects by key.
type objectStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
}

// producer publishes delivery requests to the message broker.
type producer interface {
	Publish(ctx context.Context, req model.DeliveryRequest) error
}

// frameRepository looks up frame artwork.
type frameRepository interface {
	FramesByModel(ctx context.Context, modelKey string) ([]model.FrameTemplate, error)
}

// deliveryRepository persists delivery records.
type deliveryRepository interface {
	SaveDelivery(ctx context.Context, d model.Delivery) (uuid.UUID, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (model.Delivery, error)
}

// uploadQueue uploads artifacts in the background.
type uploadQueue interface {
	Submit(key string, data []byte, contentType string) (uuid.UUID, <-chan model.UploadEvent)
}

// assetLoader resolves artwork references.
type assetLoader interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

// remoteCompositor renders a composite out of process.
type remoteCompositor interface {
	Composite(ctx context.Context, req model.FallbackRequest) ([]byte, string, error)
}

// DefaultSessionTTL is how long an incomplete delivery waits for a retry
// before its session is evicted.
const DefaultSessionTTL = 30 * time.Minute

// Options configures compositing and sharing.
type Options struct {
	Canvas       compositor.Options
	Export       batch.Options
	ShareMessage string
	SessionTTL   time.Duration // idle time before an incomplete session is evicted
}

// Deps groups the collaborators of the Service.
type Deps struct {
	Normalizer photoNormalizer
	Storage    objectStorage
	Producer   producer
	Frames     frameRepository
	Deliveries deliveryRepository
	Uploads    uploadQueue
	Assets     assetLoader
	Remote     remoteCompositor
}

// Service runs the delivery workflow: intake of the customer photo,
// compositing under every selected frame, upload of the results and
// the final delivery record.
type Service struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// NewService creates a new Service.
func NewService(deps Deps, opts Options) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	return &Service{
		deps:     deps,
		opts:     opts,
		sessions: make(map[uuid.UUID]*session),
	}
}

// IntakeRequest carries the operator's input for a new delivery.
type IntakeRequest struct {
	VehicleID      string
	OperatorID     string
	CustomerName   string
	WhatsAppNumber string
	ConsentToShare bool
	ModelKey       string
	FrameIDs       []string
	Transform      model.Transform
	FrameTransform map[string]model.Transform
}

// Validate checks the fields every delivery needs. Subject zoom may not
// exceed maxScale (model.DefaultMaxScale when zero).
func (r IntakeRequest) Validate(maxScale float64) error {
	var errs []error
	if strings.TrimSpace(r.VehicleID) == "" {
		errs = append(errs, fmt.Errorf("%w: vehicle id is required", ErrInvalidRequest))
	}
	if strings.TrimSpace(r.CustomerName) == "" {
		errs = append(errs, fmt.Errorf("%w: customer name is required", ErrInvalidRequest))
	}
	if strings.TrimSpace(r.WhatsAppNumber) == "" {
		errs = append(errs, fmt.Errorf("%w: whatsapp number is required", ErrInvalidRequest))
	}
	if r.ModelKey == "" {
		errs = append(errs, fmt.Errorf("%w: model is required", ErrInvalidRequest))
	}
	if len(r.FrameIDs) == 0 {
		errs = append(errs, fmt.Errorf("%w: select at least one frame", ErrInvalidRequest))
	}
	if err := r.Transform.ValidateZoom(maxScale); err != nil {
		errs = append(errs, err)
	}
	for _, t := range r.FrameTransform {
		if err := t.ValidateZoom(maxScale); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Intake normalizes the photo, stores it and publishes a delivery request
// for background processing. It returns the new delivery ID.
func (s *Service) Intake(ctx context.Context, in IntakeRequest, photo io.Reader) (uuid.UUID, error) {
	if err := in.Validate(s.opts.Canvas.MaxScale); err != nil {
		return uuid.Nil, err
	}

	raster, err := s.deps.Normalizer.Normalize(photo)
	if err != nil {
		return uuid.Nil, fmt.Errorf("intake: %w", err)
	}
	defer raster.Release()

	id := uuid.New()
	key := fmt.Sprintf("original/%s%s", id, model.ExtensionFor(raster.Format))

	url, err := s.deps.Storage.Put(ctx, key, raster.Data, raster.ContentType())
	if err != nil {
		return uuid.Nil, fmt.Errorf("intake: failed to store photo: %w", err)
	}

	req := model.DeliveryRequest{
		ID:             id,
		VehicleID:      in.VehicleID,
		OperatorID:     in.OperatorID,
		CustomerName:   in.CustomerName,
		WhatsAppNumber: in.WhatsAppNumber,
		ConsentToShare: in.ConsentToShare,
		ModelKey:       in.ModelKey,
		FrameIDs:       in.FrameIDs,
		PhotoKey:       key,
		PhotoURL:       url,
		Transform:      in.Transform,
		FrameTransform: in.FrameTransform,
	}

	if err := s.deps.Producer.Publish(ctx, req); err != nil {
		return uuid.Nil, fmt.Errorf("intake: failed to publish delivery request: %w", err)
	}

	zlog.Logger.Info().
		Str("delivery_id", id.String()).
		Str("model", in.ModelKey).
		Int("frames", len(in.FrameIDs)).
		Msg("delivery accepted")

	return id, nil
}

// Process composites the photo under every selected frame, uploads the
// results and writes the delivery record once all of them are stored.
// Frames that fail leave the session open for RetryFrame and make Process
// return ErrIncomplete.
func (s *Service) Process(ctx context.Context, req model.DeliveryRequest) error {
	var sess *session
	for {
		var err error
		sess, err = s.open(ctx, req)
		if err != nil {
			return err
		}

		sess.mu.Lock()
		if sess.finalized {
			sess.mu.Unlock()
			return nil
		}
		if !sess.closed {
			break
		}
		// Evicted between lookup and lock.
		sess.mu.Unlock()
	}
	defer sess.mu.Unlock()
	defer func() { sess.idle(time.Now()) }()

	// A redelivered request only renders frames that are not stored yet.
	var todo []model.FrameTemplate
	for _, id := range sess.missing() {
		f, _ := sess.frame(id)
		todo = append(todo, f)
	}

	outcomes := sess.gen.GenerateAll(ctx, todo, sess.transforms, sess.results)

	var produced []*model.CompositeResult
	for _, o := range outcomes {
		if o.OK() {
			produced = append(produced, o.Result)
			continue
		}
		sess.failures[o.FrameID] = o.Err
	}

	s.upload(ctx, sess, produced)

	return s.finalize(ctx, sess)
}

// RetryFrame regenerates a single frame of an open delivery, optionally
// under a new transform, and uploads it. Other frames are left untouched.
func (s *Service) RetryFrame(ctx context.Context, deliveryID uuid.UUID, frameID string, tr *model.Transform) error {
	s.mu.Lock()
	sess, ok := s.sessions[deliveryID]
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.finalized {
		return nil
	}
	if sess.closed {
		return ErrSessionNotFound
	}
	defer func() { sess.idle(time.Now()) }()

	frame, ok := sess.frame(frameID)
	if !ok {
		return fmt.Errorf("%w: %s", compositor.ErrUnknownFrame, frameID)
	}

	transform := sess.transforms.For(frameID)
	if tr != nil {
		transform = *tr
	}

	out := sess.gen.Generate(ctx, frame, transform, sess.results)
	if !out.OK() {
		sess.failures[frameID] = out.Err
		return out.Err
	}
	delete(sess.failures, frameID)

	if tr != nil {
		if sess.transforms.PerFrame == nil {
			sess.transforms.PerFrame = make(map[string]model.Transform)
		}
		sess.transforms.PerFrame[frameID] = transform
	}

	s.upload(ctx, sess, []*model.CompositeResult{out.Result})

	return s.finalize(ctx, sess)
}

// Pending lists deliveries that still have frames to retry.
func (s *Service) Pending() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Sweep evicts sessions idle for longer than the session TTL at now and
// returns how many were closed. Sessions busy with a call are skipped.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if !sess.mu.TryLock() {
			continue
		}
		if now.Sub(sess.lastUsed) > s.opts.SessionTTL {
			delete(s.sessions, id)
			sess.close()
			evicted++

			zlog.Logger.Warn().
				Str("delivery_id", id.String()).
				Strs("frames", sess.missing()).
				Msg("incomplete delivery evicted")
		}
		sess.mu.Unlock()
	}

	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// upload submits every result to the upload queue and waits for each to
// reach a terminal state.
func (s *Service) upload(ctx context.Context, sess *session, results []*model.CompositeResult) {
	type pending struct {
		frameID string
		events  <-chan model.UploadEvent
	}

	queued := make([]pending, 0, len(results))
	for _, r := range results {
		key := fmt.Sprintf("composites/%s/%s%s", sess.req.ID, r.FrameID, extensionOf(r.ContentType))
		_, events := s.deps.Uploads.Submit(key, r.Data, r.ContentType)
		queued = append(queued, pending{frameID: r.FrameID, events: events})
	}

	for _, p := range queued {
		ev, err := uploadqueue.Await(ctx, p.events)
		if err == nil && ev.Status == model.UploadFailed {
			err = ev.Err
		}
		if err != nil {
			sess.failures[p.frameID] = err
			zlog.Logger.Error().
				Err(err).
				Str("delivery_id", sess.req.ID.String()).
				Str("frame_id", p.frameID).
				Msg("composite upload failed")
			continue
		}

		sess.urls[p.frameID] = ev.URL
		delete(sess.failures, p.frameID)
	}
}

// finalize writes the delivery record if every selected frame is stored.
func (s *Service) finalize(ctx context.Context, sess *session) error {
	missing := sess.missing()
	if len(missing) > 0 {
		zlog.Logger.Warn().
			Str("delivery_id", sess.req.ID.String()).
			Strs("frames", missing).
			Msg("delivery incomplete, waiting for retry")

		errs := []error{fmt.Errorf("%w: frames %s", ErrIncomplete, strings.Join(missing, ", "))}
		for _, id := range missing {
			if err := sess.failures[id]; err != nil {
				errs = append(errs, fmt.Errorf("frame %s: %w", id, err))
			}
		}
		return errors.Join(errs...)
	}

	urls := make([]string, 0, len(sess.frames))
	for _, f := range sess.frames {
		urls = append(urls, sess.urls[f.ID])
	}

	_, err := s.deps.Deliveries.SaveDelivery(ctx, model.Delivery{
		ID:              sess.req.ID,
		VehicleID:       sess.req.VehicleID,
		OperatorID:      sess.req.OperatorID,
		CustomerName:    sess.req.CustomerName,
		WhatsAppNumber:  sess.req.WhatsAppNumber,
		FramedImageURLs: urls,
		ConsentToShare:  sess.req.ConsentToShare,
	})
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	sess.finalized = true
	s.release(sess.req.ID)

	zlog.Logger.Info().
		Str("delivery_id", sess.req.ID.String()).
		Int("images", len(urls)).
		Msg("delivery recorded")

	return nil
}

// open returns the session for req, creating it on first use.
func (s *Service) open(ctx context.Context, req model.DeliveryRequest) (*session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[req.ID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	subject, err := s.loadSubject(ctx, req.PhotoKey)
	if err != nil {
		return nil, err
	}

	frames, err := s.selectFrames(ctx, req.ModelKey, req.FrameIDs)
	if err != nil {
		subject.Release()
		return nil, err
	}

	comp, err := compositor.New(subject, frames, s.deps.Assets, req.Transform, s.opts.Canvas)
	if err != nil {
		subject.Release()
		return nil, fmt.Errorf("process: %w", err)
	}

	subjectRef := req.PhotoURL
	if subjectRef == "" {
		subjectRef = req.PhotoKey
	}

	sess := &session{
		req:        req,
		frames:     frames,
		subject:    subject,
		comp:       comp,
		gen:        batch.New(comp, s.deps.Remote, subjectRef, s.opts.Export),
		results:    batch.NewResultSet(frames),
		transforms: batch.Transforms{Default: req.Transform, PerFrame: maps.Clone(req.FrameTransform)},
		urls:       make(map[string]string, len(frames)),
		failures:   make(map[string]error),
		lastUsed:   time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another delivery of the same request may have won the race.
	if existing, ok := s.sessions[req.ID]; ok {
		sess.close()
		return existing, nil
	}
	s.sessions[req.ID] = sess

	return sess, nil
}

func (s *Service) loadSubject(ctx context.Context, key string) (*model.RasterImage, error) {
	rc, err := s.deps.Storage.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("process: %w: %v", compositor.ErrAssetLoad, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("process: %w: %v", compositor.ErrAssetLoad, err)
	}

	subject, err := normalizer.Decode(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("process: %w: %v", compositor.ErrAssetLoad, err)
	}

	return subject, nil
}

// selectFrames returns the frames named by ids in the order given.
func (s *Service) selectFrames(ctx context.Context, modelKey string, ids []string) ([]model.FrameTemplate, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: select at least one frame", ErrInvalidRequest)
	}

	available, err := s.deps.Frames.FramesByModel(ctx, modelKey)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}

	byID := make(map[string]model.FrameTemplate, len(available))
	for _, f := range available {
		byID[f.ID] = f
	}

	selected := make([]model.FrameTemplate, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		f, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s for model %s", compositor.ErrUnknownFrame, id, modelKey)
		}
		seen[id] = true
		selected = append(selected, f)
	}

	return selected, nil
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		sess.close()
	}
}

func extensionOf(contentType string) string {
	if contentType == "image/png" {
		return model.ExtensionFor("png")
	}
	return model.ExtensionFor("jpeg")
}
