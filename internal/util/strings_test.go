package util

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncateTail(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "short unchanged", input: "ok", maxLen: 10, want: "ok"},
		{name: "exact length unchanged", input: "hello", maxLen: 5, want: "hello"},
		{name: "keeps the end", input: "hello world", maxLen: 8, want: "...world"},
		{name: "tiny limit", input: "hello", maxLen: 3, want: "..."},
		{name: "multibyte", input: "日本語のテスト", maxLen: 6, want: "...テスト"},
		{
			name:   "snaps to line start",
			input:  "setup\nline one\nFAIL: TestLogin",
			maxLen: 22,
			want:   "...FAIL: TestLogin",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateTail(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("TruncateTail(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestTruncateANSI(t *testing.T) {
	styled := lipgloss.NewStyle().Bold(true).Render("a fairly long ticket title")

	tests := []struct {
		name     string
		input    string
		maxWidth int
	}{
		{name: "plain", input: "a fairly long ticket title", maxWidth: 10},
		{name: "styled", input: styled, maxWidth: 10},
		{name: "fits", input: "short", maxWidth: 10},
		{name: "wide runes", input: "日本語のチケット", maxWidth: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateANSI(tt.input, tt.maxWidth)
			if w := lipgloss.Width(got); w > tt.maxWidth {
				t.Errorf("width = %d, want <= %d (%q)", w, tt.maxWidth, got)
			}
			if lipgloss.Width(tt.input) > tt.maxWidth && !strings.HasSuffix(stripped(got), "...") {
				t.Errorf("TruncateANSI() = %q, want trailing ellipsis", got)
			}
		})
	}

	if got := TruncateANSI("anything", 2); got != "..." {
		t.Errorf("TruncateANSI(width 2) = %q, want ...", got)
	}
}

func stripped(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'):
			inEscape = false
		case !inEscape:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func TestFirstLine(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"one", "one"},
		{"\n\n  two  \nthree", "two"},
		{"   \n\t\n", ""},
		{"panic: boom\ngoroutine", "panic: boom"},
	}
	for _, tt := range tests {
		if got := FirstLine(tt.in); got != tt.want {
			t.Errorf("FirstLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
