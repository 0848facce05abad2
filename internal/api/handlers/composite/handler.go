package composite

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/api/respond"
	"github.com/aliskhannn/delivery-frames/internal/compositor"
	"github.com/aliskhannn/delivery-frames/internal/fallback"
	"github.com/aliskhannn/delivery-frames/internal/model"
)

// renderer produces a composite from image references.
type renderer interface {
	Composite(ctx context.Context, req model.FallbackRequest) ([]byte, string, error)
}

// Handler serves the remote compositing function used as a fallback when a
// client cannot composite locally.
type Handler struct {
	renderer renderer
}

// NewHandler creates a new Handler.
func NewHandler(r renderer) *Handler {
	return &Handler{renderer: r}
}

// Composite renders the subject under the overlay and replies with the
// image as a data URI.
func (h *Handler) Composite(c *ginext.Context) {
	var req model.FallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid request: %v", err))
		return
	}

	if req.SubjectRef == "" || req.OverlayRef == "" {
		fail(c, http.StatusBadRequest, fmt.Errorf("originalPhotoUrl and frameUrl are required"))
		return
	}

	data, contentType, err := h.renderer.Composite(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, model.ErrInvalidTransform):
			status = http.StatusBadRequest
		case errors.Is(err, compositor.ErrAssetLoad):
			status = http.StatusUnprocessableEntity
		}

		zlog.Logger.Err(err).
			Str("subject", req.SubjectRef).
			Str("overlay", req.OverlayRef).
			Msg("remote composite failed")
		fail(c, status, err)
		return
	}

	respond.JSON(c, http.StatusOK, model.FallbackResponse{
		Success:        true,
		CompositeImage: fallback.EncodeDataURI(data, contentType),
		Message:        "composite rendered",
	})
}

func fail(c *ginext.Context, status int, err error) {
	respond.JSON(c, status, model.FallbackResponse{Success: false, Error: err.Error()})
}
