package model

import (
	"time"

	"github.com/google/uuid"
)

// Delivery is the record written once every framed photo of a delivery is stored.
type Delivery struct {
	ID              uuid.UUID `json:"id"`
	VehicleID       string    `json:"vehicle_id"`
	OperatorID      string    `json:"operator_id"`
	CustomerName    string    `json:"customer_name"`
	WhatsAppNumber  string    `json:"whatsapp_number"`
	FramedImageURLs []string  `json:"framed_image_urls"`
	ConsentToShare  bool      `json:"consent_to_share"`
	CreatedAt       time.Time `json:"created_at"`
}

// DeliveryRequest is the message published after intake and consumed by the
// compositing pipeline.
type DeliveryRequest struct {
	ID             uuid.UUID            `json:"id"`
	VehicleID      string               `json:"vehicle_id"`
	OperatorID     string               `json:"operator_id"`
	CustomerName   string               `json:"customer_name"`
	WhatsAppNumber string               `json:"whatsapp_number"`
	ConsentToShare bool                 `json:"consent_to_share"`
	ModelKey       string               `json:"model"`
	FrameIDs       []string             `json:"frame_ids"` // selection order
	PhotoKey       string               `json:"photo_key"` // storage key of the normalized photo
	PhotoURL       string               `json:"photo_url"` // public URL of the same object
	Transform      Transform            `json:"transform"`
	FrameTransform map[string]Transform `json:"frame_transform,omitempty"`
}
