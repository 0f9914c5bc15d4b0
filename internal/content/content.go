package content

import (
	"bytes"
	"fmt"
	"html/template"

	"converse/internal/models"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// Every inbound message body passes through it before entering a thread log.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// RenderMarkdown converts a message body to sanitized HTML for display.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// DetectContentType classifies attachment bytes into a message content type
// by magic-number sniffing. Unrecognized data is treated as text.
func DetectContentType(data []byte) models.ContentType {
	if filetype.IsImage(data) {
		return models.ContentTypeImage
	}
	if t, err := filetype.Match(data); err == nil && t != filetype.Unknown {
		return models.ContentTypeFile
	}
	return models.ContentTypeText
}
