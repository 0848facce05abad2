package model

import "time"

// FrameTemplate is branded frame artwork that can be laid over a customer photo.
// Frames are reference data looked up by vehicle model.
type FrameTemplate struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ModelKey   string    `json:"model"`     // vehicle model the frame belongs to
	ArtworkRef string    `json:"image_url"` // storage key or http(s) URL of the artwork
	CreatedAt  time.Time `json:"created_at"`
}
