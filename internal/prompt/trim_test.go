package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSmartTrim(t *testing.T) {
	long := strings.Repeat("h", 200) + strings.Repeat("t", 200)

	tests := []struct {
		name  string
		text  string
		limit int
		check func(t *testing.T, got string)
	}{
		{
			name:  "short text untouched",
			text:  "hello",
			limit: 10,
			check: func(t *testing.T, got string) { assert.Equal(t, "hello", got) },
		},
		{
			name:  "keeps head and tail around the marker",
			text:  long,
			limit: 150,
			check: func(t *testing.T, got string) {
				assert.Contains(t, got, OmissionMarker)
				assert.True(t, strings.HasPrefix(got, "hhh"))
				assert.True(t, strings.HasSuffix(got, "ttt"))
				assert.LessOrEqual(t, utf8.RuneCountInString(got), 150)
			},
		},
		{
			name:  "tiny limit cuts plainly",
			text:  long,
			limit: 30,
			check: func(t *testing.T, got string) {
				assert.Equal(t, strings.Repeat("h", 30), got)
			},
		},
		{
			name:  "zero limit",
			text:  long,
			limit: 0,
			check: func(t *testing.T, got string) { assert.Empty(t, got) },
		},
		{
			name:  "multibyte runes are never split",
			text:  strings.Repeat("é", 300),
			limit: 120,
			check: func(t *testing.T, got string) {
				assert.True(t, utf8.ValidString(got))
				assert.LessOrEqual(t, utf8.RuneCountInString(got), 120)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, SmartTrim(tt.text, tt.limit))
		})
	}
}

func TestSmartTrim_Deterministic(t *testing.T) {
	text := strings.Repeat("abc ", 500)

	assert.Equal(t, SmartTrim(text, 300), SmartTrim(text, 300))
}

func TestKeepTail(t *testing.T) {
	assert.Equal(t, "short", KeepTail("short", 10))
	assert.Equal(t, TailMarker+"6789", KeepTail("0123456789", 4))
	assert.Equal(t, "abc", KeepTail("abc", 0), "a non-positive limit disables trimming")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5, "..."))
	assert.Equal(t, "ab...", Truncate("abcdefgh", 5, "..."))
	assert.Equal(t, "...", Truncate("abcdefgh", 2, "..."))
}

func TestNormalizeSpace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeSpace("  a\n\n b\t c  "))
}
