package license

import "strings"

// NormalizeDomain canonicalizes a caller-supplied domain so that
// "HTTPS://Example.com/" and "example.com" bind to the same activation.
// It lowercases, strips a scheme prefix, and drops any path, port, or
// trailing slash. It deliberately does not strip "www.": www and apex are
// distinct sites as far as the plugin is concerned.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	if i := strings.IndexByte(d, ':'); i >= 0 {
		d = d[:i]
	}
	return d
}
