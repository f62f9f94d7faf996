package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"submission format", "sub_", 32, 36},
		{"session format", "sess_", 32, 37},
		{"empty prefix", "", 8, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() = %v has a non-hex suffix", got)
			}
		})
	}
}

func TestGenerateRandomHexLengths(t *testing.T) {
	for _, n := range []int{-1, 0, 8, 64} {
		want := n
		if want < 0 {
			want = 0
		}
		if got := GenerateRandomHex(n); len(got) != want {
			t.Errorf("GenerateRandomHex(%d) length = %d", n, len(got))
		}
	}
}

func TestPrefixedIDs(t *testing.T) {
	if id := GenerateSubmissionID(); !strings.HasPrefix(id, "sub_") || len(id) != 36 {
		t.Errorf("GenerateSubmissionID() = %q", id)
	}
	if id := GenerateSessionID(); !strings.HasPrefix(id, "sess_") || len(id) != 37 {
		t.Errorf("GenerateSessionID() = %q", id)
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)
	for i := 0; i < iterations; i++ {
		id := GenerateSessionID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %v", id)
		}
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
