package service

import "regexp"

// HTML bodies arrive from callers we do not control, so active content is
// stripped before the body is persisted or handed to a provider.
var (
	scriptTagPattern  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	eventAttrPattern  = regexp.MustCompile(`(?i)\s+on\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsProtocolPattern = regexp.MustCompile(`(?i)(href|src)\s*=\s*(["']?)\s*javascript:[^"'\s>]*`)
)

// sanitizeHTML removes script tags, inline event handlers, and javascript:
// URLs from an HTML email body. Plain text bodies pass through untouched.
func sanitizeHTML(body string) string {
	body = scriptTagPattern.ReplaceAllString(body, "")
	body = eventAttrPattern.ReplaceAllString(body, "")
	body = jsProtocolPattern.ReplaceAllString(body, `$1=$2`)
	return body
}
