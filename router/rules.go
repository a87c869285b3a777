package router

import (
	"net/url"
	"strings"

	"github.com/use-agent/harvest/models"
)

// Rule is an ordered routing override. Rules are evaluated by descending
// priority; the first enabled match wins and bypasses scoring entirely.
type Rule struct {
	// Name identifies the rule in logs.
	Name string

	// Pattern is an exact URL or a wildcard domain ("*.video.com",
	// matching the domain and any subdomain). Ignored when Match is set.
	Pattern string

	// Match is an arbitrary predicate over the URL and options. When set
	// it takes precedence over Pattern.
	Match func(url string, opts *models.Options) bool

	// Adapter is the target adapter identifier.
	Adapter string

	// Priority breaks ties between rules; higher evaluates first.
	Priority int

	// Enabled toggles the rule without removing it.
	Enabled bool
}

// matches reports whether the rule applies to the given request.
func (r *Rule) matches(rawURL string, opts *models.Options) bool {
	if r.Match != nil {
		return r.Match(rawURL, opts)
	}
	if r.Pattern == "" {
		return false
	}
	if strings.HasPrefix(r.Pattern, "*.") {
		return matchWildcardDomain(r.Pattern, rawURL)
	}
	return rawURL == r.Pattern
}

// matchWildcardDomain matches "*.video.com" against the URL's hostname:
// the bare domain and any subdomain both match.
func matchWildcardDomain(pattern, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(strings.TrimPrefix(pattern, "*."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}
