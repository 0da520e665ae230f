package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"empty", "", 10, nil},
		{"fits", "hello", 10, []string{"hello"}},
		{"exact", "0123456789", 10, []string{"0123456789"}},
		{"hard cut", "0123456789abc", 10, []string{"0123456789", "abc"}},
		{"newline past half", "012345\n789abc", 10, []string{"012345", "789abc"}},
		{"newline before half ignored", "01\n3456789abcdef", 10, []string{"01\n3456789", "abcdef"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.max)
			if len(got) != len(tt.want) {
				t.Fatalf("Split(%q) = %q, want %q", tt.text, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplit_RespectsLimitAndRunes(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("héllo wörld ", 1000)
	chunks := Split(text, DefaultChunkSize)
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want at least 3", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > DefaultChunkSize {
			t.Errorf("chunk %d has %d runes", i, n)
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		total += len(c)
	}
	if total != len(text) {
		t.Errorf("chunks lost content: %d bytes, want %d", total, len(text))
	}
}
