package compose

import (
	"regexp"
	"strings"
)

// Token syntaxes recognized after serialization: localization tokens
// {{ 'key' | i18n }} and the one-time variant {{ ::'key' | i18n }},
// and binding tokens {{ $name }}.
var (
	i18nTokenRe = regexp.MustCompile(`\{\{\s*(?:::)?'([^']*)'\s*\|\s*i18n\s*\}\}`)
	bindTokenRe = regexp.MustCompile(`\{\{\s*\$([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
)

// substituteI18n replaces localization tokens with the lookup result.
// Unresolved keys fall back to the raw key text.
func substituteI18n(s string, lookup func(key string) string) string {
	return i18nTokenRe.ReplaceAllStringFunc(s, func(token string) string {
		key := i18nTokenRe.FindStringSubmatch(token)[1]
		return lookup(key)
	})
}

// substituteBindings replaces binding tokens with provided values.
// Tokens without a provided value are left unmodified.
func substituteBindings(s string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return bindTokenRe.ReplaceAllStringFunc(s, func(token string) string {
		name := bindTokenRe.FindStringSubmatch(token)[1]
		if value, ok := params[name]; ok {
			return value
		}
		return token
	})
}

// scriptLikeMime reports whether a mime type indicates script or JSON
// content, the text kinds binding substitution applies to.
func scriptLikeMime(mime string) bool {
	mime = strings.ToLower(mime)
	return strings.Contains(mime, "javascript") ||
		strings.Contains(mime, "ecmascript") ||
		strings.Contains(mime, "json")
}
