// Package datauri inspects the base64 data URIs uploaded by the browser.
package datauri

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Image is a parsed image data URI. Raw base64 without a "data:" header is
// accepted with an empty MediaType.
type Image struct {
	MediaType string
	Payload   string
}

// Parse splits s into media type and base64 payload. It never fails: the
// engines decide whether the bytes are a usable image.
func Parse(s string) Image {
	s = strings.TrimSpace(s)
	header, payload, found := strings.Cut(s, ",")
	if !found || !strings.HasPrefix(header, "data:") {
		return Image{Payload: s}
	}
	mediaType := strings.TrimPrefix(header, "data:")
	mediaType = strings.TrimSuffix(mediaType, ";base64")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return Image{MediaType: mediaType, Payload: payload}
}

// Fingerprint returns the sha1 hex digest of the payload.
func (i Image) Fingerprint() string {
	sum := sha1.Sum([]byte(i.Payload))
	return hex.EncodeToString(sum[:])
}

// JPEGURL rebuilds the URI with an image/jpeg header, which is what the
// vision model receives regardless of the original upload format.
func (i Image) JPEGURL() string {
	return "data:image/jpeg;base64," + i.Payload
}
