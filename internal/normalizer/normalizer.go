package normalizer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/wb-go/wbf/zlog"
	_ "golang.org/x/image/webp" // registers the WebP decoder

	"github.com/aliskhannn/delivery-frames/internal/metrics"
	"github.com/aliskhannn/delivery-frames/internal/model"
)

const (
	// DefaultMaxBytes is the hard ceiling on raw photo size.
	DefaultMaxBytes = 10 << 20
	// DefaultMaxPixels is the hard ceiling on decoded photo area.
	DefaultMaxPixels = 48_000_000
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidType  = fmt.Errorf("%w: unsupported content type", ErrInvalidInput)
	ErrOversize     = fmt.Errorf("%w: payload exceeds size limit", ErrInvalidInput)
	ErrDecode       = errors.New("failed to decode image")
)

// supportedTypes lists the content types the decoder can read.
var supportedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
}

// Constraints bound the size and quality of a normalized photo.
// Zero MaxWidth or MaxHeight leaves that dimension unbounded.
type Constraints struct {
	MaxBytes  int64
	MaxPixels int64 // width*height declared by the image header
	MaxWidth  int
	MaxHeight int
	Quality   float64 // 0..1, used for lossy output
	Format    string  // "jpeg" or "png"
}

// Normalizer turns captured photos into bounded, re-encoded raster images.
type Normalizer struct {
	constraints Constraints
}

// New creates a Normalizer with the given default constraints.
func New(c Constraints) *Normalizer {
	return &Normalizer{constraints: c}
}

// Normalize applies the default constraints to the photo read from r.
func (n *Normalizer) Normalize(r io.Reader) (*model.RasterImage, error) {
	return Normalize(r, n.constraints)
}

// Normalize validates, decodes, downscales and re-encodes the photo read from r.
//
// The payload is rejected before decoding when it is larger than c.MaxBytes or
// is not a supported image type. The output never exceeds the input dimensions.
func Normalize(r io.Reader, c Constraints) (*model.RasterImage, error) {
	maxBytes := c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	// Read one byte past the limit so oversize input is detected without
	// buffering all of it.
	raw, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	if int64(len(raw)) > maxBytes {
		metrics.NormalizeRejected("oversize")
		return nil, fmt.Errorf("%w: more than %d bytes", ErrOversize, maxBytes)
	}

	if err := checkType(raw); err != nil {
		metrics.NormalizeRejected("type")
		return nil, err
	}

	if err := CheckPixels(raw, c.MaxPixels); err != nil {
		if errors.Is(err, ErrOversize) {
			metrics.NormalizeRejected("oversize")
		} else {
			metrics.NormalizeRejected("decode")
		}
		return nil, err
	}

	src, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		metrics.NormalizeRejected("decode")
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	b := src.Bounds()
	w, h := FitDimensions(b.Dx(), b.Dy(), c.MaxWidth, c.MaxHeight)

	img := src
	if w != b.Dx() || h != b.Dy() {
		img = imaging.Resize(src, w, h, imaging.Lanczos)
	}

	format := normalizeFormat(c.Format)

	buf := bytes.NewBuffer(make([]byte, 0, len(raw)/4))
	if err := Encode(buf, img, format, c.Quality); err != nil {
		return nil, err
	}

	zlog.Logger.Info().
		Int("before_bytes", len(raw)).
		Int("after_bytes", buf.Len()).
		Str("before_size", fmt.Sprintf("%dx%d", b.Dx(), b.Dy())).
		Str("after_size", fmt.Sprintf("%dx%d", w, h)).
		Msg("photo normalized")
	metrics.ObserveNormalized(len(raw), buf.Len())

	return &model.RasterImage{
		Image:  img,
		Width:  w,
		Height: h,
		Format: format,
		Data:   buf.Bytes(),
	}, nil
}

// Decode reads an already normalized photo back into a raster image
// without resizing or re-encoding it.
func Decode(data []byte) (*model.RasterImage, error) {
	if err := checkType(data); err != nil {
		return nil, err
	}
	if err := CheckPixels(data, 0); err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	b := img.Bounds()

	return &model.RasterImage{
		Image:  img,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: format,
		Data:   data,
	}, nil
}

// Encode writes img in the given format. Quality in 0..1 applies to JPEG.
func Encode(w io.Writer, img image.Image, format string, quality float64) error {
	var err error
	switch normalizeFormat(format) {
	case "png":
		err = imaging.Encode(w, img, imaging.PNG)
	default:
		err = imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality(quality)))
	}
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	return nil
}

// FitDimensions returns the size of a w×h image uniformly downscaled by
// min(maxW/w, maxH/h) to fit inside maxW×maxH. Images that already fit are
// returned unchanged. Integer arithmetic keeps the result inside the bounds.
func FitDimensions(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}

	overW := maxW > 0 && w > maxW
	overH := maxH > 0 && h > maxH
	if !overW && !overH {
		return w, h
	}

	// Width limits the ratio when maxW/w <= maxH/h.
	byWidth := maxH <= 0 || (maxW > 0 && maxW*h <= maxH*w)

	var nw, nh int
	if byWidth {
		nw, nh = maxW, h*maxW/w
	} else {
		nw, nh = w*maxH/h, maxH
	}

	return max(nw, 1), max(nh, 1)
}

// JPEGQuality maps a 0..1 quality to the 1..100 scale of the JPEG encoder.
// Zero selects the encoder default.
func JPEGQuality(q float64) int {
	if q <= 0 {
		return 75
	}
	if q > 1 {
		q = 1
	}

	return max(int(math.Round(q*100)), 1)
}

// CheckPixels reads only the image header of data and rejects images whose
// declared area exceeds maxPixels, so a small payload cannot expand into an
// arbitrarily large bitmap. A non-positive maxPixels selects DefaultMaxPixels.
func CheckPixels(data []byte, maxPixels int64) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return fmt.Errorf("%w: %dx%d is more than %d pixels", ErrOversize, cfg.Width, cfg.Height, maxPixels)
	}

	return nil
}

func checkType(data []byte) error {
	mt := mimetype.Detect(data)
	for _, t := range supportedTypes {
		if mt.Is(t) {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrInvalidType, mt.String())
}

func normalizeFormat(format string) string {
	switch format {
	case "png":
		return "png"
	default:
		return "jpeg"
	}
}
