package decoder

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer cleans message HTML before it is stored or served.
type Sanitizer struct {
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	ugc := bluemonday.UGCPolicy()

	// Extra elements common in mail bodies
	ugc.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	ugc.AllowElements("strong", "em", "u", "s", "code", "pre", "blockquote")
	ugc.AllowElements("table", "thead", "tbody", "tr", "th", "td")
	ugc.AllowAttrs("style").OnElements("span", "div", "p")
	ugc.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")

	ugc.RequireParseableURLs(true)
	ugc.AllowURLSchemes("http", "https", "mailto", "cid")

	return &Sanitizer{
		ugc:    ugc,
		strict: bluemonday.StrictPolicy(),
	}
}

// HTML keeps safe formatting and drops scripts, handlers and unsafe URLs.
func (s *Sanitizer) HTML(html string) string {
	return s.ugc.Sanitize(html)
}

// Text strips every tag.
func (s *Sanitizer) Text(html string) string {
	return strings.TrimSpace(s.strict.Sanitize(html))
}

// NormalizeSubject lowercases the subject and strips reply and forward
// prefixes.
func NormalizeSubject(subject string) string {
	subject = strings.ToLower(strings.TrimSpace(subject))
	prefixes := []string{"re:", "fwd:", "fw:", "aw:", "wg:"}
	for {
		trimmed := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(subject, prefix) {
				subject = strings.TrimSpace(strings.TrimPrefix(subject, prefix))
				trimmed = true
				break
			}
		}
		if !trimmed {
			return subject
		}
	}
}

func GenerateThreadID(normalizedSubject string) string {
	hash := sha256.Sum256([]byte(normalizedSubject))
	return fmt.Sprintf("%x", hash[:16])
}
