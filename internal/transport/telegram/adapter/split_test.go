package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("Alice is now ONLINE: busy", textLimit); len(got) != 1 {
		t.Fatalf("short text split into %d", len(got))
	}

	line := strings.Repeat("x", 30) + "\n"
	long := strings.Repeat(line, 10) // 310 runes
	got := splitText(long, 100)
	for i, c := range got {
		if utf8.RuneCountInString(c) > 100 {
			t.Fatalf("chunk %d too long: %d", i, utf8.RuneCountInString(c))
		}
		if strings.HasSuffix(c, "\n") || strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk %d keeps boundary newline", i)
		}
	}
	if strings.Join(got, "\n") != strings.TrimRight(long, "\n") {
		t.Fatal("content lost across newline splits")
	}

	multi := strings.Repeat("é", 250)
	parts := splitText(multi, 100)
	if len(parts) != 3 || strings.Join(parts, "") != multi {
		t.Fatalf("rune split = %d parts", len(parts))
	}
}
