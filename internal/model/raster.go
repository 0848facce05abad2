package model

import "image"

// RasterImage is a decoded image together with its encoded form.
// It is treated as immutable once produced.
type RasterImage struct {
	Image  image.Image
	Width  int
	Height int
	Format string // "jpeg", "png"
	Data   []byte // encoded bytes
}

// ContentType returns the MIME type of the encoded data.
func (r *RasterImage) ContentType() string {
	return ContentTypeFor(r.Format)
}

// Release drops the pixel and byte buffers so they can be collected early.
func (r *RasterImage) Release() {
	if r == nil {
		return
	}
	r.Image = nil
	r.Data = nil
}

// ContentTypeFor maps an encoding name to a MIME type.
func ContentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// ExtensionFor maps an encoding name to a file extension.
func ExtensionFor(format string) string {
	switch format {
	case "png":
		return ".png"
	case "jpeg", "jpg":
		return ".jpg"
	default:
		return ".bin"
	}
}
