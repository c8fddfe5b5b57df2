package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "tracking params stripped and query sorted",
			in:   "https://example.org/path/?b=2&utm_source=ad&a=1",
			want: "https://example.org/path?a=1&b=2",
		},
		{
			name: "already canonical",
			in:   "https://example.org/path?a=1&b=2",
			want: "https://example.org/path?a=1&b=2",
		},
		{
			name: "gclid and fbclid dropped",
			in:   "https://example.org/page?gclid=xyz&fbclid=abc",
			want: "https://example.org/page",
		},
		{
			name: "host lowercased, default https port dropped",
			in:   "https://Example.ORG:443/Path",
			want: "https://example.org/Path",
		},
		{
			name: "default http port dropped",
			in:   "http://example.org:80/x",
			want: "http://example.org/x",
		},
		{
			name: "fragment removed",
			in:   "https://example.org/doc#section-2",
			want: "https://example.org/doc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Normalization is idempotent.
			again, err := NormalizeURL(got)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestNormalizeURLRejectsNonHTTP(t *testing.T) {
	_, err := NormalizeURL("ftp://example.org/file")
	require.Error(t, err)
	_, err = NormalizeURL("not a url at all ://")
	require.Error(t, err)
}

func TestNormalizeURLsDedupsTrackingVariants(t *testing.T) {
	urls := normalizeURLs([]string{
		"https://example.org/path/?b=2&utm_source=ad&a=1",
		"https://example.org/path?a=1&b=2",
		"https://example.org/path/?a=1&b=2&utm_medium=cpc",
	})
	assert.Equal(t, []string{"https://example.org/path?a=1&b=2"}, urls)
}

func TestDomainBlocked(t *testing.T) {
	blocked := []string{"baidu.com"}
	assert.True(t, domainBlocked("baidu.com", blocked))
	assert.True(t, domainBlocked("tieba.baidu.com", blocked))
	assert.False(t, domainBlocked("notbaidu.com", blocked))
	assert.False(t, domainBlocked("example.org", blocked))
}

func TestURLDomainStripsWWWAndPort(t *testing.T) {
	assert.Equal(t, "baidu.com", urlDomain("https://www.baidu.com/s?wd=test"))
	assert.Equal(t, "example.org", urlDomain("https://example.org:8443/page"))
}
