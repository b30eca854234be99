package stitch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"
)

// ShareCodeSize is the edge length of the QR code image in pixels.
const ShareCodeSize = 256

// ShareTarget returns the link encoded into a share code: remote URLs as they
// are, local paths as file URLs.
func ShareTarget(location string) string {
	if strings.Contains(location, "://") {
		return location
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		abs = location
	}
	return "file://" + filepath.ToSlash(abs)
}

// WriteShareCode writes a PNG QR code pointing at the movie.
func WriteShareCode(location, path string) error {
	if err := qrcode.WriteFile(ShareTarget(location), qrcode.Medium, ShareCodeSize, path); err != nil {
		return fmt.Errorf("share code: %w", err)
	}
	return nil
}
