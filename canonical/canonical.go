// Package canonical reduces surface-level URLs to a stable identity string.
// The canonical form is the join key between the tracker's own catalog and the
// externally maintained one, which never share a primary key; both sides must
// be canonicalized with this exact function or the comparison produces
// systematic false mismatches.
package canonical

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters that identify the click, not the
// product. They are removed before comparison.
var trackingParams = map[string]struct{}{
	"gclid":    {},
	"gbraid":   {},
	"wbraid":   {},
	"dclid":    {},
	"fbclid":   {},
	"msclkid":  {},
	"ttclid":   {},
	"yclid":    {},
	"igshid":   {},
	"mc_cid":   {},
	"mc_eid":   {},
	"srsltid":  {},
	"_ga":      {},
	"_gl":      {},
	"mkt_tok":  {},
	"icid":     {},
	"cmpid":    {},
	"affil_id": {},
}

// Canonicalize maps a URL to its canonical identity. The rules, in order:
// lower-case the host, strip a leading "www.", lower-case the path, strip a
// trailing slash unless the path is the root, drop tracking parameters, sort
// the remaining query parameters alphabetically, and keep any fragment
// unchanged. The result is idempotent: Canonicalize(Canonicalize(u)) ==
// Canonicalize(u).
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("canonicalize %q: missing host", raw)
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")

	path := strings.ToLower(u.Path)
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	out := url.URL{
		Scheme:   u.Scheme,
		Host:     host,
		Path:     path,
		RawQuery: normalizeQuery(u.Query()),
		Fragment: u.Fragment,
	}

	return out.String(), nil
}

// MustCanonicalize panics on malformed input. For literals in tests and
// configuration defaults only.
func MustCanonicalize(raw string) string {
	c, err := Canonicalize(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// Domain returns the canonical host for a URL, used as the key into the
// per-domain selector table.
func Domain(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("domain of %q: %w", raw, err)
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", fmt.Errorf("domain of %q: missing host", raw)
	}
	return host, nil
}

func normalizeQuery(values url.Values) string {
	for key := range values {
		if isTracking(key) {
			delete(values, key)
		}
	}
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := values[key]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func isTracking(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}
