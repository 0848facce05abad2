package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/compositor"
	"github.com/aliskhannn/delivery-frames/internal/infra/kafka/consumer"
	"github.com/aliskhannn/delivery-frames/internal/model"
	deliverysvc "github.com/aliskhannn/delivery-frames/internal/service/delivery"
)

// service runs the compositing pipeline for a delivery request.
type service interface {
	Process(ctx context.Context, req model.DeliveryRequest) error
}

// RequestedHandler handles Kafka messages for newly accepted deliveries.
type RequestedHandler struct {
	service service
}

// NewRequestedHandler creates a new handler with the given service.
func NewRequestedHandler(s service) *RequestedHandler {
	return &RequestedHandler{service: s}
}

// Handle decodes a delivery request and processes it.
//
// An incomplete delivery is not a handler failure: the session stays open
// and the operator retries the failed frames over HTTP, so the message is
// acknowledged. Requests that can never succeed are reported as permanent.
func (h *RequestedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var req model.DeliveryRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return consumer.Permanent(fmt.Errorf("unmarshal delivery request: %w", err))
	}

	err := h.service.Process(ctx, req)
	if errors.Is(err, deliverysvc.ErrIncomplete) {
		zlog.Logger.Warn().
			Err(err).
			Str("delivery_id", req.ID.String()).
			Msg("delivery waiting for manual retry")
		return nil
	}
	if err != nil {
		err = fmt.Errorf("process delivery %s: %w", req.ID, err)
		if invalid(err) {
			return consumer.Permanent(err)
		}
		return err
	}

	zlog.Logger.Info().Str("delivery_id", req.ID.String()).Msg("delivery processed")

	return nil
}

// invalid reports whether err comes from the request itself rather than
// from a dependency, so processing it again cannot succeed.
func invalid(err error) bool {
	return errors.Is(err, deliverysvc.ErrInvalidRequest) ||
		errors.Is(err, compositor.ErrUnknownFrame) ||
		errors.Is(err, model.ErrInvalidTransform)
}
