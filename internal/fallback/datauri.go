package fallback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidDataURI = errors.New("invalid data URI")

// EncodeDataURI returns data as a base64 data URI.
func EncodeDataURI(data []byte, contentType string) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI parses a base64 data URI and returns its payload and MIME type.
// A bare base64 string is accepted and reported as application/octet-stream.
func DecodeDataURI(s string) ([]byte, string, error) {
	contentType := "application/octet-stream"
	payload := s

	if strings.HasPrefix(s, "data:") {
		meta, data, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
		if !ok {
			return nil, "", fmt.Errorf("%w: missing payload", ErrInvalidDataURI)
		}

		mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 {
			return nil, "", fmt.Errorf("%w: payload is not base64", ErrInvalidDataURI)
		}
		if mediaType != "" {
			contentType = mediaType
		}
		payload = data
	}

	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}

	return b, contentType, nil
}
