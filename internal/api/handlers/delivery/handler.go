package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/api/respond"
	"github.com/aliskhannn/delivery-frames/internal/compositor"
	"github.com/aliskhannn/delivery-frames/internal/fallback"
	"github.com/aliskhannn/delivery-frames/internal/model"
	"github.com/aliskhannn/delivery-frames/internal/normalizer"
	deliveryrepo "github.com/aliskhannn/delivery-frames/internal/repository/delivery"
	framerepo "github.com/aliskhannn/delivery-frames/internal/repository/frame"
	deliverysvc "github.com/aliskhannn/delivery-frames/internal/service/delivery"
)

// maxMemory is the part of a multipart form kept in memory.
const maxMemory = 10 << 20

// service defines the delivery operations exposed over HTTP.
type service interface {
	Intake(ctx context.Context, in deliverysvc.IntakeRequest, photo io.Reader) (uuid.UUID, error)
	Delivery(ctx context.Context, id uuid.UUID) (deliverysvc.View, error)
	RetryFrame(ctx context.Context, deliveryID uuid.UUID, frameID string, tr *model.Transform) error
	Pending() []uuid.UUID
}

// frameRepository lists frame artwork per vehicle model.
type frameRepository interface {
	FramesByModel(ctx context.Context, modelKey string) ([]model.FrameTemplate, error)
}

// uploadStatus reports the state of the upload queue.
type uploadStatus interface {
	Status() model.QueueStatus
}

// connectivity reports whether storage is reachable.
type connectivity interface {
	Online() bool
}

// Handler provides HTTP handlers for deliveries, frames and uploads.
type Handler struct {
	service   service
	frames    frameRepository
	uploads   uploadStatus
	monitor   connectivity
	transform model.Transform // applied when the form leaves it out
}

// NewHandler creates a new Handler.
func NewHandler(s service, frames frameRepository, uploads uploadStatus, monitor connectivity, defaultTransform model.Transform) *Handler {
	return &Handler{
		service:   s,
		frames:    frames,
		uploads:   uploads,
		monitor:   monitor,
		transform: defaultTransform,
	}
}

// Create accepts a customer photo and the delivery details and starts
// compositing in the background.
func (h *Handler) Create(c *ginext.Context) {
	if err := c.Request.ParseMultipartForm(maxMemory); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("photo")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to read the photo")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("photo is required"))
		return
	}
	defer file.Close()

	in, err := h.intakeRequest(c)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	zlog.Logger.Info().
		Str("filename", header.Filename).
		Int64("size", header.Size).
		Str("vehicle_id", in.VehicleID).
		Msg("delivery photo received")

	id, err := h.service.Intake(c.Request.Context(), in, file)
	if err != nil {
		status := intakeStatus(err)
		if status == http.StatusInternalServerError {
			zlog.Logger.Err(err).Msg("failed to accept delivery")
		}
		respond.Fail(c, status, err)
		return
	}

	respond.Accepted(c, map[string]interface{}{"id": id})
}

// Get returns a stored delivery and its WhatsApp share link.
func (h *Handler) Get(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	view, err := h.service.Delivery(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, deliveryrepo.ErrDeliveryNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("delivery not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get delivery")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get delivery: %v", err))
		return
	}

	respond.OK(c, view)
}

// RetryFrame regenerates and uploads a single frame of an open delivery.
// The body may carry a new transform for that frame.
func (h *Handler) RetryFrame(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}
	frameID := c.Param("frameId")

	var tr *model.Transform
	if c.Request.ContentLength != 0 {
		var body model.Transform
		if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid transform: %v", err))
			return
		} else if err == nil {
			tr = &body
		}
	}

	err = h.service.RetryFrame(c.Request.Context(), id, frameID, tr)
	switch {
	case err == nil:
		respond.OK(c, map[string]interface{}{"id": id, "frame_id": frameID, "status": "completed"})
	case errors.Is(err, deliverysvc.ErrIncomplete):
		respond.Accepted(c, map[string]interface{}{"id": id, "frame_id": frameID, "status": "incomplete", "message": err.Error()})
	case errors.Is(err, deliverysvc.ErrSessionNotFound), errors.Is(err, compositor.ErrUnknownFrame):
		respond.Fail(c, http.StatusNotFound, err)
	case errors.Is(err, model.ErrInvalidTransform):
		respond.Fail(c, http.StatusBadRequest, err)
	case errors.Is(err, fallback.ErrRemoteComposite):
		zlog.Logger.Err(err).Str("frame_id", frameID).Msg("frame retry failed")
		respond.Fail(c, http.StatusBadGateway, err)
	default:
		zlog.Logger.Err(err).Str("frame_id", frameID).Msg("frame retry failed")
		respond.Fail(c, http.StatusInternalServerError, err)
	}
}

// Frames lists the frame artwork available for a vehicle model.
func (h *Handler) Frames(c *ginext.Context) {
	modelKey := c.Query("model")
	if modelKey == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("model is required"))
		return
	}

	frames, err := h.frames.FramesByModel(c.Request.Context(), modelKey)
	if err != nil {
		if errors.Is(err, framerepo.ErrNoFrames) {
			respond.Fail(c, http.StatusNotFound, err)
			return
		}

		zlog.Logger.Err(err).Msg("failed to list frames")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to list frames: %v", err))
		return
	}

	respond.OK(c, frames)
}

// UploadStatus reports the upload queue, storage connectivity and the
// deliveries still waiting for a frame retry.
func (h *Handler) UploadStatus(c *ginext.Context) {
	respond.OK(c, map[string]interface{}{
		"queue":   h.uploads.Status(),
		"online":  h.monitor.Online(),
		"pending": h.service.Pending(),
	})
}

func (h *Handler) intakeRequest(c *ginext.Context) (deliverysvc.IntakeRequest, error) {
	in := deliverysvc.IntakeRequest{
		VehicleID:      c.PostForm("vehicle_id"),
		OperatorID:     c.PostForm("operator_id"),
		CustomerName:   c.PostForm("customer_name"),
		WhatsAppNumber: c.PostForm("whatsapp_number"),
		ModelKey:       c.PostForm("model_key"),
		FrameIDs:       frameIDs(c.PostFormArray("frame_ids")),
		Transform:      h.transform,
	}

	if v := c.PostForm("consent"); v != "" {
		consent, err := strconv.ParseBool(v)
		if err != nil {
			return in, fmt.Errorf("invalid consent: %q", v)
		}
		in.ConsentToShare = consent
	}

	fields := []struct {
		name string
		dst  *float64
	}{
		{"scale", &in.Transform.Scale},
		{"offset_x", &in.Transform.OffsetX},
		{"offset_y", &in.Transform.OffsetY},
	}
	for _, f := range fields {
		v := c.PostForm(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return in, fmt.Errorf("invalid %s: %q", f.name, v)
		}
		*f.dst = n
	}

	if v := c.PostForm("frame_transforms"); v != "" {
		if err := json.Unmarshal([]byte(v), &in.FrameTransform); err != nil {
			return in, fmt.Errorf("invalid frame_transforms: %v", err)
		}
	}

	return in, nil
}

// frameIDs accepts repeated fields as well as comma separated lists.
func frameIDs(values []string) []string {
	var out []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

func intakeStatus(err error) int {
	switch {
	case errors.Is(err, normalizer.ErrOversize):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, normalizer.ErrInvalidType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, normalizer.ErrInvalidInput),
		errors.Is(err, normalizer.ErrDecode),
		errors.Is(err, deliverysvc.ErrInvalidRequest),
		errors.Is(err, model.ErrInvalidTransform):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
