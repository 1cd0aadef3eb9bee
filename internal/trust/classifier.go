// Package trust decides whether a source reference counts as
// authoritative (an official government publication) versus a secondary
// or derived feed.
package trust

import (
	"net/url"
	"strings"
)

// DefaultDomains is the built-in allow-list of authoritative hosts.
// Matching is by exact label suffix, so "gov" covers every *.gov host.
var DefaultDomains = []string{
	"gov",
	"gov.uk",
	"gc.ca",
	"europa.eu",
	"admin.ch",
	"go.jp",
	"gov.au",
	"wto.org",
	"wcoomd.org",
}

// Classifier classifies source references against an allow-list of
// authoritative domains.
type Classifier struct {
	domains []string
}

// New creates a Classifier. An empty domain list falls back to
// DefaultDomains.
func New(domains []string) *Classifier {
	if len(domains) == 0 {
		domains = DefaultDomains
	}
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, ".")))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &Classifier{domains: normalized}
}

// IsAuthoritative reports whether sourceRef points at an authoritative
// host. The host must equal an allow-listed domain or be a subdomain of
// one on an exact label boundary: "x.foo.gov" matches "gov", but
// "notgov.com" does not. Malformed references classify as
// non-authoritative; this function never fails.
func (c *Classifier) IsAuthoritative(sourceRef string) bool {
	host := hostOf(sourceRef)
	if host == "" {
		return false
	}
	for _, d := range c.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func hostOf(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" && !strings.Contains(ref, "/") && !strings.Contains(ref, " ") {
		// Bare hosts like "douane.gov.example" arrive without a scheme.
		u2, err := url.Parse("https://" + ref)
		if err != nil {
			return ""
		}
		host = u2.Hostname()
	}
	return strings.ToLower(host)
}
