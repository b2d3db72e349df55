// Package media turns adapter data-URLs into transient files a task can hand
// to the agent process. Files created here are owned by the dispatched task
// and deleted by its cleanup, success or failure.
package media

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// extByMime maps common chat-media MIME types to file extensions.
var extByMime = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"audio/mpeg": "mp3",
	"audio/ogg":  "ogg",
	"video/mp4":  "mp4",
}

// SaveDataURL decodes a "data:<mime>;base64,<payload>" string into a temp
// file and returns its path. The caller is responsible for deleting it.
func SaveDataURL(dataURL string) (string, error) {
	header, encoded, ok := strings.Cut(dataURL, ",")
	if !ok {
		return "", fmt.Errorf("malformed data URL")
	}
	mime := parseMime(header)

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding media payload: %w", err)
	}

	ext := extByMime[mime]
	if ext == "" {
		ext = "bin"
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("devbridge-media-%s.%s", uuid.NewString(), ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing media temp file: %w", err)
	}
	return path, nil
}

// parseMime extracts the MIME type from a data-URL header like
// "data:image/jpeg;base64".
func parseMime(header string) string {
	s := strings.TrimPrefix(header, "data:")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return s
}
