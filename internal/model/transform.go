package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidTransform is returned when a transform cannot be applied to a layer.
var ErrInvalidTransform = errors.New("invalid transform")

// DefaultMaxScale is the largest subject zoom accepted when none is configured.
const DefaultMaxScale = 1.5

// Transform places a layer on the canvas: the layer is scaled uniformly
// by Scale and its top-left corner is moved to (OffsetX, OffsetY).
type Transform struct {
	Scale   float64 `json:"scale"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
}

// Validate reports whether the transform is usable.
func (t Transform) Validate() error {
	if t.Scale <= 0 || math.IsNaN(t.Scale) || math.IsInf(t.Scale, 0) {
		return errors.Join(ErrInvalidTransform, errors.New("scale must be a positive number"))
	}
	if math.IsNaN(t.OffsetX) || math.IsNaN(t.OffsetY) || math.IsInf(t.OffsetX, 0) || math.IsInf(t.OffsetY, 0) {
		return errors.Join(ErrInvalidTransform, errors.New("offsets must be finite"))
	}
	return nil
}

// ValidateZoom reports whether the transform is usable for the subject layer,
// whose scale may not exceed maxScale. A non-positive maxScale selects
// DefaultMaxScale.
func (t Transform) ValidateZoom(maxScale float64) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if maxScale <= 0 {
		maxScale = DefaultMaxScale
	}
	if t.Scale > maxScale {
		return errors.Join(ErrInvalidTransform, fmt.Errorf("scale %g exceeds %g", t.Scale, maxScale))
	}
	return nil
}

// Multiply returns the transform as it applies to a canvas m times larger.
func (t Transform) Multiply(m float64) Transform {
	return Transform{Scale: t.Scale * m, OffsetX: t.OffsetX * m, OffsetY: t.OffsetY * m}
}
