package model

// Source tells where a composite was produced.
type Source string

const (
	SourceLocal    Source = "local"
	SourceFallback Source = "fallback"
)

// CompositeResult is one customer photo rendered under one frame.
type CompositeResult struct {
	FrameID     string    `json:"frame_id"`
	FrameName   string    `json:"frame_name"`
	Data        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	DataURI     string    `json:"-"`
	Source      Source    `json:"source"`
	Transform   Transform `json:"transform"`
}

// Release drops the encoded buffers of the result.
func (c *CompositeResult) Release() {
	if c == nil {
		return
	}
	c.Data = nil
	c.DataURI = ""
}

// FallbackRequest is the body sent to the remote compositing function.
type FallbackRequest struct {
	SubjectRef string    `json:"originalPhotoUrl"`
	OverlayRef string    `json:"frameUrl"`
	Transform  Transform `json:"transform"`
}

// FallbackResponse is the body returned by the remote compositing function.
type FallbackResponse struct {
	Success        bool   `json:"success"`
	CompositeImage string `json:"compositeImage,omitempty"` // data URI
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
}
