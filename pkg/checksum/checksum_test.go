package checksum

import (
	"io"
	"strings"
	"testing"
)

func TestSum(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			// echo -n "hello" | sha256sum
			name:  "hello",
			input: "hello",
			want:  "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			name:  "empty",
			input: "",
			want:  "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sum([]byte(tt.input)); got != tt.want {
				t.Errorf("Sum(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHasher_MatchesSum(t *testing.T) {
	input := strings.Repeat("organization logo bytes ", 1000)

	h := NewHasher()
	var sink strings.Builder
	if _, err := io.Copy(io.MultiWriter(&sink, h), strings.NewReader(input)); err != nil {
		t.Fatalf("copy: %v", err)
	}

	if h.Hex() != Sum([]byte(input)) {
		t.Errorf("Hasher.Hex() = %q, want %q", h.Hex(), Sum([]byte(input)))
	}
	if sink.String() != input {
		t.Error("MultiWriter did not pass content through")
	}
}

func TestHasher_Empty(t *testing.T) {
	if got := NewHasher().Hex(); got != Sum(nil) {
		t.Errorf("empty Hasher.Hex() = %q, want %q", got, Sum(nil))
	}
}
