package prompt

import (
	"strings"
	"unicode/utf8"
)

// OmissionMarker is inserted where SmartTrim cut text out.
const OmissionMarker = "\n\n...[truncated to avoid exceeding token limit]...\n\n"

// TailMarker prefixes text shortened by KeepTail.
const TailMarker = "...(truncated)...\n"

// headShare is the fraction of the remaining budget given to the head.
const headShare = 0.6

// SmartTrim bounds text to limit runes. The head carries the task
// instructions and the tail carries the most recent context, so both are
// kept around OmissionMarker. Limits too small to hold the marker fall back
// to a plain cut.
func SmartTrim(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	reserve := utf8.RuneCountInString(OmissionMarker)
	if limit <= reserve+20 {
		return string(runes[:limit])
	}

	headLen := int(float64(limit-reserve) * headShare)
	tailLen := limit - reserve - headLen
	head := strings.TrimRight(string(runes[:headLen]), " \t\n")
	tail := strings.TrimLeft(string(runes[len(runes)-tailLen:]), " \t\n")
	return head + OmissionMarker + tail
}

// KeepTail bounds text to its last limit runes, prefixed with TailMarker.
func KeepTail(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return TailMarker + string(runes[len(runes)-limit:])
}

// Truncate cuts text to limit runes and appends suffix when it had to cut.
// The suffix counts towards the limit.
func Truncate(text string, limit int, suffix string) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	keep := limit - utf8.RuneCountInString(suffix)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + suffix
}

// NormalizeSpace collapses every whitespace run into a single space.
func NormalizeSpace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
