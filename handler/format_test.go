package handler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatMessageBody(t *testing.T) {
	assert.Equal(t, "hello", formatMessageBody("  hello \n", nil))
	assert.Equal(t, "", formatMessageBody("   ", nil))

	body := formatMessageBody("see attached", []Attachment{
		{URL: "https://files.example.com/a.png", Mimetype: "image/png"},
		{URL: "https://files.example.com/b.mp4", Mimetype: "video/mp4"},
		{URL: "https://files.example.com/c.bin", Mimetype: "application/octet-stream"},
	})
	assert.Equal(t, strings.Join([]string{
		"see attached",
		"[Image Attachment](https://files.example.com/a.png)",
		"[Video Attachment](https://files.example.com/b.mp4)",
		"[Unknown Attachment](https://files.example.com/c.bin)",
	}, "\n"), body)

	// 添付だけのメッセージも本文になる
	body = formatMessageBody("", []Attachment{{URL: "https://files.example.com/a.png", Mimetype: "image/png"}})
	assert.Equal(t, "[Image Attachment](https://files.example.com/a.png)", body)
}

func TestParseMemberRef(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"U12345678", "U12345678", true},
		{"W12345678", "W12345678", true},
		{" U12345678 ", "U12345678", true},
		{"<@U12345678>", "U12345678", true},
		{"<@U12345678|alice>", "U12345678", true},
		{"U1234", "", false},
		{"alice", "", false},
		{"<@X12345678>", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := parseMemberRef(tt.input)
		assert.Equal(t, tt.ok, ok, "input=%q", tt.input)
		assert.Equal(t, tt.want, got, "input=%q", tt.input)
	}
}
