package assets

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/aliskhannn/delivery-frames/internal/normalizer"
)

// maxAssetBytes caps how much of a remote asset is read.
const maxAssetBytes = 32 << 20

// objectStorage loads objects by key.
type objectStorage interface {
	Load(ctx context.Context, key string) (io.ReadCloser, error)
}

// Loader resolves image references to decoded images.
// References with an http or https scheme are fetched over the network,
// anything else is treated as an object storage key.
type Loader struct {
	storage   objectStorage
	client    *http.Client
	maxPixels int64
}

// NewLoader creates a Loader reading keys from storage and URLs with the given
// timeout. Images declaring more than maxPixels are refused before decoding;
// zero selects normalizer.DefaultMaxPixels.
func NewLoader(storage objectStorage, timeout time.Duration, maxPixels int64) *Loader {
	return &Loader{
		storage:   storage,
		client:    &http.Client{Timeout: timeout},
		maxPixels: maxPixels,
	}
}

// Load fetches and decodes the image behind ref.
func (l *Loader) Load(ctx context.Context, ref string) (image.Image, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty image reference")
	}

	rc, err := l.open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxAssetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	if len(data) > maxAssetBytes {
		return nil, fmt.Errorf("%s: %w: more than %d bytes", ref, normalizer.ErrOversize, maxAssetBytes)
	}
	if err := normalizer.CheckPixels(data, l.maxPixels); err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", ref, err)
	}

	return img, nil
}

func (l *Loader) open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if !isURL(ref) {
		if l.storage == nil {
			return nil, fmt.Errorf("no storage configured for %s", ref)
		}
		return l.storage.Load(ctx, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", ref, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: server returned status %d", ref, resp.StatusCode)
	}

	return resp.Body, nil
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
