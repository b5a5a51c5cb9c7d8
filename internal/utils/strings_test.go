package utils

import "testing"

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", "(empty)"},
		{"short token", "tok-12345", "****"},
		{"normal token", "wrt-bridge-123456789abcdef", "wrt-brid...cdef"},
		{"long token", "wrt-bridge-123456789abcdefghijklmnop", "wrt-brid...mnop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MaskKey(tt.input)
			if result != tt.expected {
				t.Errorf("MaskKey(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
