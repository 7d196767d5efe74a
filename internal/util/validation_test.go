package util

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseUUIDv4(t *testing.T) {
	cases := map[string]bool{
		"b0c9c2b0-1f3a-4d2d-9e3f-123456789abc":   true,
		" b0c9c2b0-1f3a-4d2d-9e3f-123456789abc ": true,
		"":                                     false,
		"not-a-uuid":                           false,
		"6fa459ea-ee8a-11d2-90f6-000000000000": false, // version 1
	}
	for in, ok := range cases {
		_, err := ParseUUIDv4(in)
		if ok && err != nil {
			t.Fatalf("%q: unexpected error %v", in, err)
		}
		if !ok && !errors.Is(err, ErrInvalidUUID) {
			t.Fatalf("%q: expected ErrInvalidUUID, got %v", in, err)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail("  Ops@Example.COM ")
	if err != nil || got != "ops@example.com" {
		t.Fatalf("got %q, %v", got, err)
	}
	for _, bad := range []string{"", "Ops <ops@example.com>", "ops@", "<ops@example.com>"} {
		if _, err := NormalizeEmail(bad); !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("%q: expected ErrInvalidEmail, got %v", bad, err)
		}
	}
}

func TestNormalizeEmailsDropsRepeats(t *testing.T) {
	got, err := NormalizeEmails([]string{"a@example.com", "B@example.com", "A@EXAMPLE.com"}, 1, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"a@example.com", "b@example.com"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, err := NormalizeEmails(nil, 1, 0); err == nil {
		t.Fatalf("empty list should fail the minimum")
	}
	if _, err := NormalizeEmails([]string{"a@x.io", "b@x.io", "c@x.io"}, 1, 2); err == nil {
		t.Fatalf("three recipients should fail a maximum of two")
	}
	if _, err := NormalizeEmails([]string{"a@x.io", "nope"}, 1, 5); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("bad recipient should surface ErrInvalidEmail, got %v", err)
	}
}

func TestValidateHeaders(t *testing.T) {
	got, err := ValidateHeaders(map[string]string{" X-Campaign ": " spring "}, 4)
	if err != nil || got["X-Campaign"] != "spring" {
		t.Fatalf("got %v, %v", got, err)
	}

	bad := []map[string]string{
		{"X-Inject": "a\r\nBcc: victim@example.com"},
		{"Two Words": "v"},
		{"A": "1", "B": "2", "C": "3", "D": "4", "E": "5"},
	}
	for _, h := range bad {
		if _, err := ValidateHeaders(h, 4); !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("%v: expected ErrInvalidHeader, got %v", h, err)
		}
	}
}

func TestValidateMetadata(t *testing.T) {
	got, err := ValidateMetadata(map[string]string{" source ": " billing "}, 2, 8, 8)
	if err != nil || got["source"] != "billing" {
		t.Fatalf("got %v, %v", got, err)
	}

	bad := []map[string]string{
		{"": "x"},
		{"much-too-long": "x"},
		{"k": "value-too-long"},
		{"a": "1", "b": "2", "c": "3"},
	}
	for _, m := range bad {
		if _, err := ValidateMetadata(m, 2, 8, 8); err == nil {
			t.Fatalf("%v: expected error", m)
		}
	}
}

func TestSizeLimits(t *testing.T) {
	if err := EnsureMaxBytes("body", []byte("héllo"), 5); err == nil {
		t.Fatalf("é is two bytes, so six bytes should exceed five")
	}
	if err := EnsureMaxRunes("subject", "héllo", 5); err != nil {
		t.Fatalf("five characters should fit: %v", err)
	}
	if err := EnsureMaxBytes("body", make([]byte, 1<<20), 0); err != nil {
		t.Fatalf("zero limit disables the check: %v", err)
	}
}

func TestURLChecks(t *testing.T) {
	if got, err := ValidateHTTPURL(" https://rules.example.com/table.yaml "); err != nil || got != "https://rules.example.com/table.yaml" {
		t.Fatalf("got %q, %v", got, err)
	}
	for _, bad := range []string{"", "ftp://example.com", "https:///no-host", "::"} {
		if _, err := ValidateHTTPURL(bad); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("%q: expected ErrInvalidURL, got %v", bad, err)
		}
	}
	if !IsHTTPURL("HTTPS://rules.internal/table.yaml") || IsHTTPURL("/etc/relaykit/rules.yaml") {
		t.Fatalf("IsHTTPURL misclassified a source")
	}
}
