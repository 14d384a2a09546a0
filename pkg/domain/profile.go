package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Profile is the visitor's behavioural record as returned by the profile backend.
type Profile struct {
	ID        string            `json:"id"`
	StableID  string            `json:"stableId,omitempty"`
	Random    float64           `json:"random"`
	Audiences []string          `json:"audiences"`
	Traits    map[string]any    `json:"traits"`
	Location  GeoLocation       `json:"location"`
	Session   SessionStatistics `json:"session"`
}

// InAudience reports whether the profile currently belongs to the audience.
func (p *Profile) InAudience(audienceID string) bool {
	if p == nil {
		return false
	}
	for _, id := range p.Audiences {
		if id == audienceID {
			return true
		}
	}
	return false
}

// GeoLocation holds coarse geo attributes. The edge treats them as opaque passthrough.
type GeoLocation struct {
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	Region      string `json:"region,omitempty"`
	RegionCode  string `json:"regionCode,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
	Continent   string `json:"continent,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// IsZero reports whether no attribute is set.
func (g GeoLocation) IsZero() bool {
	return g == GeoLocation{}
}

// SessionStatistics summarises the visitor's current session.
type SessionStatistics struct {
	ID                   string       `json:"id,omitempty"`
	IsReturningVisitor   bool         `json:"isReturningVisitor"`
	LandingPage          *LandingPage `json:"landingPage,omitempty"`
	Count                int          `json:"count"`
	ActiveSessionLength  float64      `json:"activeSessionLength"`
	AverageSessionLength float64      `json:"averageSessionLength"`
}

// LandingPage is the snapshot of the first page seen in a session.
type LandingPage struct {
	URL      string            `json:"url"`
	Path     string            `json:"path"`
	Query    map[string]string `json:"query,omitempty"`
	Referrer string            `json:"referrer"`
	Search   string            `json:"search"`
}

// ProfileCache is the cookie-serialisable subset of a Profile. When it decodes
// cleanly its ID is the anonymous id sent to the profile backend.
type ProfileCache struct {
	ID              string            `json:"id"`
	Random          float64           `json:"random"`
	Audiences       []string          `json:"audiences"`
	Location        GeoLocation       `json:"location"`
	Session         SessionStatistics `json:"session"`
	Traits          map[string]any    `json:"traits"`
	TraitsUpdatedAt json.RawMessage   `json:"traitsUpdatedAt,omitempty"`
	Signals         json.RawMessage   `json:"signals,omitempty"`
	Sessions        []json.RawMessage `json:"sessions"`
}

// NewEmptyProfileCache returns a cache carrying a freshly generated anonymous id.
func NewEmptyProfileCache() ProfileCache {
	return ProfileCache{
		ID:        uuid.NewString(),
		Audiences: []string{},
		Traits:    map[string]any{},
		Sessions:  []json.RawMessage{},
	}
}

// RequestContext is the normalised view of the inbound request shared with the
// profile backend.
type RequestContext struct {
	URL       string `json:"url"`
	Locale    string `json:"locale"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"userAgent"`
}

// ClientInfo carries what the edge knows about the connecting client.
type ClientInfo struct {
	IP       string      `json:"ip,omitempty"`
	Location GeoLocation `json:"location"`
}
