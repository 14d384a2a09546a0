// Package cookies reads and writes the visitor cookies the edge relies on:
// the anonymous id and the URL-encoded profile cache.
package cookies

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/polisai/polis-edge/pkg/domain"
)

const (
	// AnonymousIDCookie holds the visitor's anonymous profile id.
	AnonymousIDCookie = "ntaid"
	// ProfileCacheCookie holds the URL-encoded JSON profile cache.
	ProfileCacheCookie = "ntpc"
)

// Parse splits a Cookie header into name/value pairs. Pairs are separated by
// ';' and split on the first '='. A pair without '=' maps to an empty value.
// Later duplicates win.
func Parse(header string) map[string]string {
	jar := make(map[string]string)
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		jar[name] = strings.TrimSpace(value)
	}
	return jar
}

// ReadProfileCache decodes the profile cache cookie. Missing or malformed
// cookies fall back to a fresh cache with a new anonymous id.
func ReadProfileCache(jar map[string]string, logger *slog.Logger) domain.ProfileCache {
	if logger == nil {
		logger = slog.Default()
	}

	raw, ok := jar[ProfileCacheCookie]
	if !ok || raw == "" {
		return domain.NewEmptyProfileCache()
	}

	cache, err := DecodeProfileCache(raw)
	if err != nil {
		logger.Warn("discarding profile cache cookie", "error", err)
		return domain.NewEmptyProfileCache()
	}
	return cache
}

// DecodeProfileCache reverses EncodeProfileCache.
func DecodeProfileCache(raw string) (domain.ProfileCache, error) {
	var cache domain.ProfileCache

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return cache, fmt.Errorf("%w: unescape: %v", domain.ErrMalformedCookie, err)
	}
	if err := json.Unmarshal([]byte(decoded), &cache); err != nil {
		return domain.ProfileCache{}, fmt.Errorf("%w: decode: %v", domain.ErrMalformedCookie, err)
	}
	if cache.ID == "" {
		return domain.ProfileCache{}, fmt.Errorf("%w: missing profile id", domain.ErrMalformedCookie)
	}
	if cache.Traits == nil {
		cache.Traits = map[string]any{}
	}
	if cache.Audiences == nil {
		cache.Audiences = []string{}
	}
	if cache.Sessions == nil {
		cache.Sessions = []json.RawMessage{}
	}
	return cache, nil
}

// EncodeProfileCache renders the cache as a cookie-safe value.
func EncodeProfileCache(cache domain.ProfileCache) (string, error) {
	payload, err := json.Marshal(cache)
	if err != nil {
		return "", fmt.Errorf("encode profile cache: %w", err)
	}
	return url.PathEscape(string(payload)), nil
}

// SetCookie formats a Set-Cookie header value scoped to the whole site.
func SetCookie(name, value string) string {
	return name + "=" + value + "; Path=/"
}
