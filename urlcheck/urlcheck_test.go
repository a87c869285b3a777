package urlcheck

import (
	"errors"
	"net"
	"testing"

	"github.com/use-agent/harvest/models"
)

// staticResolver maps hostnames to fixed addresses so tests never hit DNS.
func staticResolver(hosts map[string][]string) func(string) ([]net.IP, error) {
	return func(host string) ([]net.IP, error) {
		addrs, ok := hosts[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = net.ParseIP(a)
		}
		return ips, nil
	}
}

func newTestValidator(opts ...Option) *Validator {
	v := New(opts...)
	v.lookupIP = staticResolver(map[string][]string{
		"example.com":  {"93.184.216.34"},
		"internal.lan": {"10.0.0.5"},
		"dual.com":     {"93.184.216.34", "192.168.1.1"},
	})
	return v
}

func TestValidator_Normalization(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://EXAMPLE.COM/Path", "https://example.com/Path"},
		{"drops fragment", "https://example.com/page#section", "https://example.com/page"},
		{"trims whitespace", "  https://example.com  ", "https://example.com"},
		{"keeps query", "https://example.com/s?q=a&b=c", "https://example.com/s?q=a&b=c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(tt.in)
			if err != nil {
				t.Fatalf("Validate(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Validate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidator_RejectsSchemes(t *testing.T) {
	v := newTestValidator()

	for _, raw := range []string{
		"ftp://example.com/file",
		"file:///etc/passwd",
		"javascript:alert(1)",
		"example.com", // no scheme
		"",
	} {
		_, err := v.Validate(raw)
		if err == nil {
			t.Errorf("Validate(%q) accepted, want rejection", raw)
			continue
		}
		var fe *models.FetchError
		if !errors.As(err, &fe) || fe.Code != models.ErrCodeValidation {
			t.Errorf("Validate(%q) err = %v, want a validation error", raw, err)
		}
	}
}

func TestValidator_RejectsPrivateAddresses(t *testing.T) {
	v := newTestValidator()

	for _, raw := range []string{
		"http://127.0.0.1/admin",
		"http://10.0.0.1/",
		"http://192.168.1.10/",
		"http://169.254.169.254/latest/meta-data", // link-local metadata endpoint
		"http://0.0.0.0/",
		"http://internal.lan/",
		"http://dual.com/", // public name, one private address
	} {
		if _, err := v.Validate(raw); err == nil {
			t.Errorf("Validate(%q) accepted, want rejection", raw)
		}
	}
}

func TestValidator_AllowPrivateOption(t *testing.T) {
	v := newTestValidator(WithPrivateNetworks())

	if _, err := v.Validate("http://127.0.0.1:8080/health"); err != nil {
		t.Errorf("Validate with private networks allowed: %v", err)
	}
}

func TestValidator_BlockedHosts(t *testing.T) {
	v := newTestValidator(WithBlockedHosts("Banned.com"))

	if _, err := v.Validate("https://banned.com/page"); err == nil {
		t.Error("blocked host accepted (case-insensitive match expected)")
	}
	if _, err := v.Validate("https://example.com/"); err != nil {
		t.Errorf("unblocked host rejected: %v", err)
	}
}

func TestValidator_UnresolvableHost(t *testing.T) {
	v := newTestValidator()

	_, err := v.Validate("https://does-not-exist.invalid/")
	var fe *models.FetchError
	if !errors.As(err, &fe) || fe.Code != models.ErrCodeValidation {
		t.Fatalf("err = %v, want a validation error for unresolvable host", err)
	}
}
