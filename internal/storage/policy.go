package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Evidence upload policy. Files outside these bounds are rejected before any
// presigned URL is issued.
const (
	MaxEvidenceSizeBytes = 25 << 20

	UploadExpiry   = 15 * time.Minute
	DownloadExpiry = 10 * time.Minute
)

var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
}

// MimeTypeAllowed reports whether mimeType is on the evidence allow-list.
func MimeTypeAllowed(mimeType string) bool {
	return allowedMimeTypes[mimeType]
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

const maxFilenameLength = 200

// SanitizeFilename strips any directory components and replaces everything
// outside a conservative character set.
func SanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	safe := unsafeFilenameChars.ReplaceAllString(base, "_")
	if len(safe) > maxFilenameLength {
		safe = safe[:maxFilenameLength]
	}
	if safe == "" || safe == "." || safe == ".." {
		return "file"
	}
	return safe
}

// ObjectPath builds the storage key for a new evidence file. The random
// prefix keeps two uploads of the same filename from colliding.
func ObjectPath(projectID, filename string) (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate object prefix: %w", err)
	}
	return fmt.Sprintf("projects/%s/evidence/%s_%s", projectID, hex.EncodeToString(buf), SanitizeFilename(filename)), nil
}

// PathBelongsToProject guards upload completion: a client may only register
// paths under its own project's evidence prefix.
func PathBelongsToProject(projectID, objectPath string) bool {
	prefix := fmt.Sprintf("projects/%s/evidence/", projectID)
	return strings.HasPrefix(objectPath, prefix) && !strings.Contains(objectPath[len(prefix):], "/")
}
