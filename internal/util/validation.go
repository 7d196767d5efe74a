// Package util holds the field checks shared by the mail request validator
// and the proxy rule loader.
package util

import (
	"errors"
	"fmt"
	netmail "net/mail"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
)

var (
	ErrInvalidUUID   = errors.New("invalid uuid v4")
	ErrInvalidEmail  = errors.New("invalid email address")
	ErrInvalidURL    = errors.New("invalid url")
	ErrInvalidHeader = errors.New("invalid header")
)

// ParseUUIDv4 accepts only version 4 UUIDs, the format of message ids.
func ParseUUIDv4(value string) (uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return uuid.Nil, fmt.Errorf("%w: empty", ErrInvalidUUID)
	}
	id, err := uuid.Parse(value)
	switch {
	case err != nil:
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidUUID, err)
	case id.Version() != 4:
		return uuid.Nil, fmt.Errorf("%w: got version %d", ErrInvalidUUID, id.Version())
	}
	return id, nil
}

// NormalizeEmail returns the lowercased bare address. Display names are
// rejected because they travel in from_name.
func NormalizeEmail(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	parsed, err := netmail.ParseAddress(value)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidEmail, value, err)
	}
	if parsed.Name != "" || parsed.Address != value {
		return "", fmt.Errorf("%w: %q is not a bare address", ErrInvalidEmail, value)
	}
	return strings.ToLower(parsed.Address), nil
}

// NormalizeEmails normalizes a recipient list and drops repeats. The count
// bounds apply to the input; zero disables a bound.
func NormalizeEmails(values []string, min, max int) ([]string, error) {
	if err := countWithin("recipients", len(values), min, max); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for i, v := range values {
		addr, err := NormalizeEmail(v)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out, nil
}

// ValidateHeaders returns a trimmed copy of extra mail headers. Names must be
// valid field names and values must not contain line breaks, so a value can
// never smuggle another header.
func ValidateHeaders(headers map[string]string, maxEntries int) (map[string]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	if err := countWithin("headers", len(headers), 0, maxEntries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	out := make(map[string]string, len(headers))
	for name, value := range headers {
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: bad name %q", ErrInvalidHeader, name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: bad value for %s", ErrInvalidHeader, name)
		}
		out[name] = value
	}
	return out, nil
}

// ValidateMetadata returns a trimmed copy of free-form request metadata.
func ValidateMetadata(meta map[string]string, maxEntries, maxKeyLen, maxValueLen int) (map[string]string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	if err := countWithin("meta entries", len(meta), 0, maxEntries); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(meta))
	for k, v := range meta {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" {
			return nil, errors.New("meta key cannot be empty")
		}
		if err := EnsureMaxRunes("meta key "+k, k, maxKeyLen); err != nil {
			return nil, err
		}
		if err := EnsureMaxRunes("meta value for "+k, v, maxValueLen); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// EnsureMaxBytes fails when b is longer than max bytes. max <= 0 disables it.
func EnsureMaxBytes(field string, b []byte, max int) error {
	if max > 0 && len(b) > max {
		return fmt.Errorf("%s is %d bytes, limit %d", field, len(b), max)
	}
	return nil
}

// EnsureMaxRunes fails when value has more than max characters.
func EnsureMaxRunes(field, value string, max int) error {
	if max <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(value); n > max {
		return fmt.Errorf("%s is %d characters, limit %d", field, n, max)
	}
	return nil
}

// IsHTTPURL tells a remote rule source from a file path.
func IsHTTPURL(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

// ValidateHTTPURL requires an absolute http or https URL and returns it
// trimmed.
func ValidateHTTPURL(value string) (string, error) {
	value = strings.TrimSpace(value)
	u, err := url.Parse(value)
	switch {
	case value == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	case u.Scheme != "http" && u.Scheme != "https":
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	case u.Host == "":
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return value, nil
}

func countWithin(what string, n, min, max int) error {
	if min > 0 && n < min {
		return fmt.Errorf("%s: got %d, need at least %d", what, n, min)
	}
	if max > 0 && n > max {
		return fmt.Errorf("%s: got %d, allowed %d", what, n, max)
	}
	return nil
}
