package telegram

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	kit "courtbot/internal/transport"
	logx "courtbot/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	lines := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		lines = append(lines, strings.Repeat("x", 9))
	}
	long := strings.Join(lines, "\n")

	cases := []struct {
		name   string
		in     string
		limit  int
		chunks int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"hard cut", strings.Repeat("a", 25), 10, 3},
		{"newline boundaries", long, 100, 4},
		{"runes not bytes", strings.Repeat("é", 10), 10, 1},
	}
	for _, tc := range cases {
		got := splitTelegramText(tc.in, tc.limit)
		if len(got) != tc.chunks {
			t.Fatalf("%s: %d chunks, want %d", tc.name, len(got), tc.chunks)
		}
		for _, c := range got {
			if utf8.RuneCountInString(c) > tc.limit {
				t.Fatalf("%s: chunk of %d runes over limit", tc.name, utf8.RuneCountInString(c))
			}
			if strings.HasSuffix(c, "\n") {
				t.Fatalf("%s: chunk ends with newline", tc.name)
			}
		}
		if tc.name == "newline boundaries" {
			for _, c := range got {
				if len(c)%10 != 9 {
					t.Fatalf("chunk split mid-line: %q", c)
				}
			}
		}
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	a, err := New(Config{Token: "123:abc", APIURL: "http://127.0.0.1:1"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.SendText(context.Background(), kit.ChatTarget{}, "hi", nil); err == nil {
		t.Fatal("expected error for missing chat id")
	}
}
