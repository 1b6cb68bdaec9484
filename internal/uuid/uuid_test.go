package uuid

import (
	"regexp"
	"strings"
	"testing"
)

var v4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNew(t *testing.T) {
	id := New()
	if !v4.MatchString(string(id)) {
		t.Errorf("New() = %q, not a lower-case v4 uuid", id)
	}
}

func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := string(New())
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestParse(t *testing.T) {
	id := string(New())

	got, err := Parse(strings.ToUpper(id))
	if err != nil {
		t.Fatalf("Parse(upper) error = %v", err)
	}
	if string(got) != id {
		t.Errorf("Parse(upper) = %q, want %q", got, id)
	}

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no dashes", strings.ReplaceAll(id, "-", "")},
		{"braced", "{" + id + "}"},
		{"urn", "urn:uuid:" + id},
		{"version 1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479"},
		{"not hex", "zzzzzzzz-58cc-4372-a567-0e02b2c3d479"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.input); err == nil {
				t.Errorf("Parse(%q) should fail", tt.input)
			}
			if IsValid(tt.input) {
				t.Errorf("IsValid(%q) = true", tt.input)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	if !IsValid("f47ac10b-58cc-4372-a567-0e02b2c3d479") {
		t.Error("IsValid rejected a v4 uuid")
	}
}
