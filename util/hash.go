package util

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// GenerateNodeID creates a deterministic id for a graph node from its
// identity parts (e.g. relative path + content hash, or file id + kind + name).
func GenerateNodeID(parts ...string) string {
	input := strings.Join(parts, ":")
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:24]
}

// HashBytes returns the hex-encoded sha256 of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex-encoded sha256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
