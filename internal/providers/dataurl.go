package providers

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ParseDataURL decodes a "data:<mime>;base64,<payload>" string. A bare base64
// payload is accepted too; in both cases the MIME type is sniffed from the
// bytes when the URL does not carry a specific one.
func ParseDataURL(raw string) (*InlineImage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: image data is empty", ErrInvalidImage)
	}

	declared := ""
	payload := raw
	if strings.HasPrefix(raw, "data:") {
		header, data, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
		if !ok {
			return nil, fmt.Errorf("%w: data url has no payload", ErrInvalidImage)
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: data url must be base64 encoded", ErrInvalidImage)
		}
		declared = strings.TrimSuffix(header, ";base64")
		payload = data
	}

	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidImage, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalidImage)
	}

	mime := declared
	if mime == "" || mime == "application/octet-stream" {
		mime = mimetype.Detect(b).String()
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidImage, mime)
	}
	return &InlineImage{MIMEType: mime, Data: b}, nil
}
