package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath joins base and rel, except that an absolute rel wins.
// filepath.Join("a", "/b") is "a/b"; ResolvePath("a", "/b") is "/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidatePartyID trims and checks a user id used as a call party or as our
// own signaling identity.
func ValidatePartyID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("party id is empty")
	}
	if len(id) > 128 {
		return "", errors.New("party id too long")
	}
	if strings.ContainsAny(id, " \t\r\n/\\") {
		return "", errors.New("party id must not contain whitespace or slashes")
	}
	return id, nil
}

// WriteJSONFile writes v as indented JSON, creating parent directories.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
