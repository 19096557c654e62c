package content

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"clubhouse/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// MaxMessageLength bounds message content in runes. Oversized content is
// rejected before it ever reaches the store.
const MaxMessageLength = 4000

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to user-supplied message content and display names.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Validate checks message content against the emptiness and length bounds.
func Validate(input string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("%w: empty content", models.ErrValidation)
	}
	if utf8.RuneCountInString(input) > MaxMessageLength {
		return fmt.Errorf("%w: content exceeds %d characters", models.ErrValidation, MaxMessageLength)
	}
	return nil
}

// Render converts message markdown to sanitized HTML for client display.
// The raw content is what gets persisted; the HTML is derived and safe to
// inline.
func Render(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Escape(input)
	}
	return policy.Sanitize(buf.String())
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&#34;",
		"'", "&#39;",
	)
	return r.Replace(input)
}
