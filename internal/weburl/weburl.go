// Package weburl extracts and compares the hosts that prompts, pages and
// memories refer to.
package weburl

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	urlRe    = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>)]+`)
	domainRe = regexp.MustCompile(`(?i)\b(?:[a-z0-9-]+\.)+(?:com|org|net|io|dev|app|co|fr|de|uk|eu|shop|store|test|example)\b`)
)

// Hostname returns the lower-cased host of u without a leading "www.".
// A bare domain is accepted.
func Hostname(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

// FindHost returns the host of the first URL, or failing that the first
// domain, named in text.
func FindHost(text string) string {
	if m := urlRe.FindString(text); m != "" {
		return Hostname(m)
	}
	return Hostname(domainRe.FindString(text))
}

// SameSite reports whether host matches target or one of its subdomains.
func SameSite(host, target string) bool {
	host, target = Hostname(host), Hostname(target)
	if host == "" || target == "" {
		return false
	}
	return host == target || strings.HasSuffix(host, "."+target)
}

// Related reports whether a and b are the same site in either direction.
func Related(a, b string) bool {
	return SameSite(a, b) || SameSite(b, a)
}
