package logging

import "regexp"

// Patterns for sensitive data redaction
var (
	bearerTokenPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	oauthTokenPattern  = regexp.MustCompile(`"?(access_token|refresh_token|id_token)"?\s*[:=]\s*"?[A-Za-z0-9\-._~+/]+=*"?`)
	apiKeyPattern      = regexp.MustCompile(`(?i)(api[_-]?key|apikey|client_secret)["']?\s*[:=]\s*["']?[A-Za-z0-9\-._~+/]+=*`)
	authHeaderPattern  = regexp.MustCompile(`(?i)authorization["']?\s*[:=]\s*["']?[^\s"']+`)
	// token={...} as passed to "config create" and printed by "authorize"
	tokenBlobPattern = regexp.MustCompile(`(?s)(token\s*[=:]\s*)?\{[^{}]*"access_token"[^{}]*\}`)
	authCodePattern  = regexp.MustCompile(`([?&]code=)[^&\s]+`)
)

// Redact removes credential material from s. Every diagnostic that can carry
// subprocess output goes through it before it is logged or returned.
func Redact(s string) string {
	s = tokenBlobPattern.ReplaceAllString(s, "${1}[REDACTED]")
	s = bearerTokenPattern.ReplaceAllString(s, "Bearer [REDACTED]")
	s = oauthTokenPattern.ReplaceAllString(s, "$1=[REDACTED]")
	s = apiKeyPattern.ReplaceAllString(s, "$1=[REDACTED]")
	s = authHeaderPattern.ReplaceAllString(s, "Authorization: [REDACTED]")
	s = authCodePattern.ReplaceAllString(s, "${1}[REDACTED]")
	return s
}
