package urls_test

import (
	"testing"

	"mediaq/pkg/urls"
)

func TestIsURLValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{in: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", want: true},
		{in: "http://example.com/video", want: true},
		{in: "ftp://example.com/video", want: false},
		{in: "example.com/video", want: false},
		{in: "https://", want: false},
		{in: "", want: false},
		{in: "not a url", want: false},
	}

	for _, tt := range tests {
		if got := urls.IsURLValid(tt.in); got != tt.want {
			t.Errorf("IsURLValid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "  https://example.com/v?id=1 \n", want: "https://example.com/v?id=1"},
		{in: "https://youtu.be/abc#t=30", want: "https://youtu.be/abc"},
		{in: "HTTPS://Example.com/v", want: "https://Example.com/v"},
		{in: "%zz", want: "%zz"},
	}

	for _, tt := range tests {
		if got := urls.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
