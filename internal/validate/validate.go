// Package validate provides functions to validate audio uploads.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// ContentTypeAllowed checks the upload content type against the configured
// whitelist (case insensitive, parameters stripped).
func ContentTypeAllowed(ct string, allowed []string) error {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, a := range allowed {
		if ct == strings.ToLower(a) {
			return nil
		}
	}
	return fmt.Errorf("content type %q not allowed, accepted: %s", ct, strings.Join(allowed, ", "))
}

// SizeOK checks that the upload fits within the configured byte limit.
func SizeOK(size, max int64) error {
	if size <= 0 {
		return errors.New("empty file")
	}
	if size > max {
		return fmt.Errorf("file exceeds limit of %d MB", max/(1024*1024))
	}
	return nil
}

// FilenameOK checks that the filename is non-empty after trimming and free
// of path separators.
func FilenameOK(fn string) error {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return errors.New("filename required")
	}
	if strings.ContainsAny(fn, "/\\") {
		return errors.New("filename must not contain path separators")
	}
	return nil
}

// SanitizeFilename trims whitespace and replaces characters unsafe for
// storage keys with underscores.
func SanitizeFilename(fn string) string {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return "audio"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, fn)
}
