package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "compiling", 100, "compiling"},
		{"with control chars", "com\x00pil\x07ing", 100, "compiling"},
		{"strips newlines", "line one\nline two", 100, "line oneline two"},
		{"truncate", "very long progress message", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
		{"unicode", "日本語メッセージ", 100, "日本語メッセージ"},
		{"strips html", "<script>alert(1)</script>building", 100, "building"},
		{"strips tags keeps text", "<b>linking</b> objects", 100, "linking objects"},
		{"decodes entities", "a < b", 100, "a < b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Text(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "Text(%q, %d)", tt.input, tt.maxLen)
		})
	}
}
