package reqctx

import (
	"crypto/tls"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocale(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "empty", header: "", want: ""},
		{name: "single with region", header: "en-US", want: "en-US"},
		{name: "language only", header: "fr", want: "fr"},
		{name: "ordered by quality", header: "de;q=0.5, en-GB", want: "en-GB,de"},
		{name: "malformed", header: "%%%", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Locale(tt.header))
		})
	}
}

func TestBuild(t *testing.T) {
	r := httptest.NewRequest("GET", "/pricing?plan=pro", nil)
	r.Host = "shop.example.com"
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Referer", "https://search.example/")
	r.Header.Set("User-Agent", "test-agent")

	ctx := Build(r)

	assert.Equal(t, "http://shop.example.com/pricing?plan=pro", ctx.URL)
	assert.Equal(t, "en-US", ctx.Locale)
	assert.Equal(t, "https://search.example/", ctx.Referrer)
	assert.Equal(t, "test-agent", ctx.UserAgent)
}

func TestBuildDefaultsMissingHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Del("User-Agent")

	ctx := Build(r)

	assert.Equal(t, "", ctx.Locale)
	assert.Equal(t, "", ctx.Referrer)
	assert.Equal(t, "", ctx.UserAgent)
}

func TestAbsoluteURLScheme(t *testing.T) {
	r := httptest.NewRequest("GET", "/a", nil)
	r.Host = "example.com"
	r.TLS = &tls.ConnectionState{}
	assert.Equal(t, "https://example.com/a", AbsoluteURL(r))

	r = httptest.NewRequest("GET", "/a", nil)
	r.Host = "example.com"
	r.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	assert.Equal(t, "https://example.com/a", AbsoluteURL(r))
}

func TestClient(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("CF-Connecting-IP", " 203.0.113.7 ")
	r.Header.Set("CF-IPCountry", "DE")
	r.Header.Set("CF-IPCity", "Berlin")
	r.Header.Set("X-Real-IP", "198.51.100.1")

	info := Client(r, "")
	assert.Equal(t, "203.0.113.7", info.IP)
	assert.Equal(t, "DE", info.Location.Country)
	assert.Equal(t, "Berlin", info.Location.City)
	assert.Empty(t, info.Location.Continent)

	assert.Equal(t, "198.51.100.1", ClientIP(r, "X-Real-IP"))
	assert.Empty(t, ClientIP(httptest.NewRequest("GET", "/", nil), ""))
}
