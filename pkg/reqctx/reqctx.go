// Package reqctx derives the normalised request context the profile backend
// consumes from an inbound HTTP request.
package reqctx

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/polisai/polis-edge/pkg/domain"
)

// DefaultIPHeader carries the connecting client address on Cloudflare-style edges.
const DefaultIPHeader = "CF-Connecting-IP"

// Geo headers set by the hosting platform.
const (
	headerCity      = "CF-IPCity"
	headerRegion    = "CF-Region"
	headerCountry   = "CF-IPCountry"
	headerContinent = "CF-IPContinent"
)

// Build returns the request context for r.
func Build(r *http.Request) domain.RequestContext {
	return domain.RequestContext{
		URL:       AbsoluteURL(r),
		Locale:    Locale(r.Header.Get("Accept-Language")),
		Referrer:  r.Referer(),
		UserAgent: r.UserAgent(),
	}
}

// AbsoluteURL reconstructs the URL the client asked for.
func AbsoluteURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
		scheme = strings.ToLower(strings.TrimSpace(scheme))
	}

	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host
	return u.String()
}

// Locale renders an Accept-Language header as "code" or "code-region" entries
// joined by ",", in the header's preference order. Missing or malformed
// headers yield "".
func Locale(acceptLanguage string) string {
	if strings.TrimSpace(acceptLanguage) == "" {
		return ""
	}

	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil {
		return ""
	}

	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		base, baseConf := tag.Base()
		if baseConf == language.No {
			continue
		}
		code := base.String()
		if region, conf := tag.Region(); conf == language.Exact && region.String() != "ZZ" {
			code += "-" + region.String()
		}
		parts = append(parts, code)
	}
	return strings.Join(parts, ",")
}

// ClientIP returns the value of the configured connecting-IP header.
func ClientIP(r *http.Request, header string) string {
	if header == "" {
		header = DefaultIPHeader
	}
	return strings.TrimSpace(r.Header.Get(header))
}

// GeoLocation reads the platform geo headers. Values are passed through untouched.
func GeoLocation(r *http.Request) domain.GeoLocation {
	return domain.GeoLocation{
		City:      r.Header.Get(headerCity),
		Region:    r.Header.Get(headerRegion),
		Country:   r.Header.Get(headerCountry),
		Continent: r.Header.Get(headerContinent),
	}
}

// Client bundles ClientIP and GeoLocation.
func Client(r *http.Request, ipHeader string) domain.ClientInfo {
	return domain.ClientInfo{
		IP:       ClientIP(r, ipHeader),
		Location: GeoLocation(r),
	}
}
