// Package urlcheck validates and normalizes destination URLs before the
// orchestrator touches them: scheme allow-list, host deny-list and
// private-network resolution checks. Rejection is terminal — the
// orchestrator neither retries nor falls back on a validation error.
package urlcheck

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/use-agent/harvest/models"
)

// Validator performs destination-safety checks. Safe for concurrent use
// after construction.
type Validator struct {
	allowedSchemes map[string]struct{}
	blockedHosts   map[string]struct{}
	allowPrivate   bool

	lookupIP func(host string) ([]net.IP, error) // test seam
}

// Option configures a Validator.
type Option func(*Validator)

// WithBlockedHosts adds hostnames that are always rejected.
func WithBlockedHosts(hosts ...string) Option {
	return func(v *Validator) {
		for _, h := range hosts {
			v.blockedHosts[strings.ToLower(h)] = struct{}{}
		}
	}
}

// WithPrivateNetworks permits URLs resolving to private or loopback
// addresses (useful in development).
func WithPrivateNetworks() Option {
	return func(v *Validator) { v.allowPrivate = true }
}

// New creates a Validator allowing http and https destinations on public
// networks.
func New(opts ...Option) *Validator {
	v := &Validator{
		allowedSchemes: map[string]struct{}{"http": {}, "https": {}},
		blockedHosts:   make(map[string]struct{}),
		lookupIP:       net.LookupIP,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns the normalized URL, or a terminal validation error.
func (v *Validator) Validate(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", models.NewFetchError(models.ErrCodeValidation, "malformed URL", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := v.allowedSchemes[scheme]; !ok {
		return "", models.NewFetchError(models.ErrCodeValidation,
			fmt.Sprintf("scheme %q is not allowed", u.Scheme), nil)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", models.NewFetchError(models.ErrCodeValidation, "URL has no host", nil)
	}
	if _, blocked := v.blockedHosts[host]; blocked {
		return "", models.NewFetchError(models.ErrCodeValidation,
			fmt.Sprintf("host %q is blocked", host), nil)
	}

	if !v.allowPrivate {
		if err := v.checkPublic(host); err != nil {
			return "", err
		}
	}

	// Normalize: lowercase scheme and host, drop the fragment.
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}

// checkPublic rejects hosts that are, or resolve to, private, loopback,
// link-local or unspecified addresses.
func (v *Validator) checkPublic(host string) error {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := v.lookupIP(host)
		if err != nil {
			return models.NewFetchError(models.ErrCodeValidation,
				fmt.Sprintf("host %q does not resolve", host), err)
		}
		ips = resolved
	}

	for _, ip := range ips {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return models.NewFetchError(models.ErrCodeValidation,
				fmt.Sprintf("host %q resolves to a non-public address", host), nil)
		}
	}
	return nil
}
