package research

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Tracking parameters stripped during normalization. utm_* is matched by
// prefix.
var trackingParams = map[string]bool{
	"gclid":  true,
	"fbclid": true,
	"yclid":  true,
	"igshid": true,
}

// NormalizeURL canonicalizes a URL so tracking variants of the same page
// dedup to one entry: lowercase scheme and host, default ports and
// fragments dropped, tracking params stripped, remaining query params
// sorted, trailing slash removed. Normalizing twice is a no-op.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	host := parsed.Hostname()
	switch {
	case parsed.Scheme == "http" && parsed.Port() == "80":
		parsed.Host = host
	case parsed.Scheme == "https" && parsed.Port() == "443":
		parsed.Host = host
	}

	query := parsed.Query()
	for key := range query {
		lowered := strings.ToLower(key)
		if strings.HasPrefix(lowered, "utm_") || trackingParams[lowered] {
			query.Del(key)
		}
	}
	parsed.RawQuery = encodeSorted(query)

	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

// encodeSorted renders query params in key order. url.Values.Encode
// already sorts keys; kept separate so the sort guarantee is explicit.
func encodeSorted(values url.Values) string {
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
		for _, value := range values[key] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return b.String()
}

// normalizeURLs maps raw URLs through NormalizeURL and deduplicates,
// keeping first-seen order. Unparseable entries are dropped.
func normalizeURLs(raw []string) []string {
	var out []string
	seen := make(map[string]bool, len(raw))
	for _, item := range raw {
		normalized, err := NormalizeURL(item)
		if err != nil || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}

// urlDomain extracts the registrable-ish domain: hostname without port,
// www. prefix stripped.
func urlDomain(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

// domainBlocked matches the domain and its subdomains against the block
// list.
func domainBlocked(domain string, blocked []string) bool {
	if domain == "" {
		return false
	}
	for _, entry := range blocked {
		entry = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(entry)), "www.")
		if entry == "" {
			continue
		}
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}
