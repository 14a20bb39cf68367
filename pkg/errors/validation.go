package errors

import (
	"net/url"
	"strings"
	"unicode"
)

// maxSourceLength bounds source identifiers and URLs.
const maxSourceLength = 4096

// ValidateSource validates an image source reference for safety and correctness.
//
// A source is either an absolute http(s) URL or a bare identifier that the
// resolver joins onto the transformation endpoint. The rules are conservative:
//   - No empty references
//   - No control characters or whitespace
//   - Maximum length of 4096 characters
//   - Absolute URLs must use http or https and name a host
//   - Bare identifiers must not contain path traversal sequences
//
// All failures carry ErrCodeTransformUnavailable: a reference that fails here
// can never be turned into a variant URL.
func ValidateSource(ref string) error {
	if ref == "" {
		return New(ErrCodeTransformUnavailable, "source cannot be empty")
	}

	if len(ref) > maxSourceLength {
		return New(ErrCodeTransformUnavailable, "source too long (max %d characters)", maxSourceLength)
	}

	for _, r := range ref {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return New(ErrCodeTransformUnavailable, "source contains invalid characters")
		}
	}

	if !strings.Contains(ref, "://") {
		return validateIdentifier(ref)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return Wrap(ErrCodeTransformUnavailable, err, "source is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return New(ErrCodeTransformUnavailable, "unsupported source scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return New(ErrCodeTransformUnavailable, "source URL has no host")
	}
	return nil
}

// IsAbsoluteURL reports whether ref is an absolute URL rather than a bare identifier.
func IsAbsoluteURL(ref string) bool {
	return strings.Contains(ref, "://")
}

func validateIdentifier(id string) error {
	dangerousPatterns := []string{
		"..",   // Parent directory
		"//",   // Double slash
		"\\",   // Backslash (Windows path)
		"?",    // Query would be swallowed by the endpoint
		"#",    // Fragment
	}

	for _, pattern := range dangerousPatterns {
		if strings.Contains(id, pattern) {
			return New(ErrCodeTransformUnavailable, "source identifier contains invalid characters: %q", pattern)
		}
	}
	return nil
}
