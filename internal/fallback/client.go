package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/model"
)

// ErrRemoteComposite is returned when the remote compositing function fails.
var ErrRemoteComposite = errors.New("remote compositing failed")

// maxResponseBytes caps the JSON body read from the remote function.
const maxResponseBytes = 64 << 20

// Client calls the remote compositing function over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a Client posting to url with the given timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Compositor renders a composite from image references.
type Compositor interface {
	Composite(ctx context.Context, req model.FallbackRequest) ([]byte, string, error)
}

// NewRemote returns a Client for url, or local when no url is configured.
// The local renderer shares this process and its asset loader, so it does not
// cover failures of either.
func NewRemote(url string, timeout time.Duration, local *Renderer) Compositor {
	if url == "" {
		zlog.Logger.Warn().Msg("fallback.url is not set, remote compositing runs in-process")
		return local
	}
	return NewClient(url, timeout)
}

// Composite asks the remote function to render req and returns the encoded
// image and its content type. It makes a single attempt.
func (c *Client) Composite(ctx context.Context, req model.FallbackRequest) ([]byte, string, error) {
	if c.url == "" {
		return nil, "", fmt.Errorf("%w: no fallback endpoint configured", ErrRemoteComposite)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: marshal request: %v", ErrRemoteComposite, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("%w: create request: %v", ErrRemoteComposite, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRemoteComposite, err)
	}
	defer resp.Body.Close()

	var out model.FallbackResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("%w: decode response (status %d): %v", ErrRemoteComposite, resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return nil, "", fmt.Errorf("%w: status %d: %s", ErrRemoteComposite, resp.StatusCode, msg)
	}

	data, contentType, err := DecodeDataURI(out.CompositeImage)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRemoteComposite, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty composite", ErrRemoteComposite)
	}

	return data, contentType, nil
}
