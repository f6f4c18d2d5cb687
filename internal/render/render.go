// Package render provides placeholder substitution for subject and body
// templates plus the lightweight rich-text expansion applied to bodies.
package render

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Render substitutes every {Field} occurrence in tmpl with the matching
// value from fields. Missing fields and NaN values substitute as empty
// strings; Render never fails.
func Render(tmpl string, fields map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := fields[name]
		if !ok {
			// Column headers are often padded in hand-edited sheets
			for k, fv := range fields {
				if strings.EqualFold(strings.TrimSpace(k), strings.TrimSpace(name)) {
					v, ok = fv, true
					break
				}
			}
		}
		if !ok || isNaN(v) {
			return ""
		}
		return v
	})
}

// isNaN reports whether a cell value is a spreadsheet NaN artifact.
func isNaN(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "nan", "<nil>":
		return true
	}
	return false
}

var (
	boldRe = regexp.MustCompile(`\*\*(.*?)\*\*`)
	linkRe = regexp.MustCompile(`\[(.*?)\]\((https?://[^\s)]+)\)`)
)

// FormatRich expands the markdown-lite conveniences supported in body
// templates (bold markers, bracket links, line breaks, double spaces)
// into an HTML document. It is applied to rendered bodies only, never
// to subjects.
func FormatRich(body string) string {
	s := boldRe.ReplaceAllString(body, "<b>$1</b>")
	s = linkRe.ReplaceAllString(s,
		`<a href="$2" style="color:#1a73e8; text-decoration:underline;" target="_blank">$1</a>`)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "<br>")
	s = strings.ReplaceAll(s, "  ", "&nbsp;&nbsp;")

	var b strings.Builder
	b.WriteString(`<html><body style="font-family: Verdana, sans-serif; font-size: 14px; line-height: 1.6;">`)
	b.WriteString(s)
	b.WriteString(`</body></html>`)
	return b.String()
}
