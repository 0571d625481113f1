package cli

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*m")

// visibleLen is the printed width of s, ignoring ANSI color codes.
func visibleLen(s string) int {
	return utf8.RuneCountInString(ansiPattern.ReplaceAllString(s, ""))
}

// PadRight pads s with spaces to the given visible width.
func PadRight(s string, width int) string {
	if n := visibleLen(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

// TruncateString shortens s to at most maxLen runes, marking the cut with "…".
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen == 1 {
		return "…"
	}
	return string(runes[:maxLen-1]) + "…"
}

// FormatDateTime renders t in the local zone, or "-" for the zero time.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
