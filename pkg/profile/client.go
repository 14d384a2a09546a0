// Package profile talks to the profile backend: it records a page view for
// every personalized request and returns the server-confirmed profile together
// with the refreshed cookie cache.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polisai/polis-edge/pkg/cookies"
	"github.com/polisai/polis-edge/pkg/domain"
)

// DefaultBaseURL is the hosted profile API.
const DefaultBaseURL = "https://api.ninetailed.co"

const (
	defaultEnvironment = "main"
	upstreamName       = "profile"
	maxErrorBody       = 4 << 10
)

// Config locates the profile backend.
type Config struct {
	BaseURL     string
	ClientID    string
	Environment string
}

// Client calls the profile backend events endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewClient builds a Client. A nil httpClient uses http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Environment == "" {
		cfg.Environment = defaultEnvironment
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger, now: time.Now}
}

// ResolveRequest carries the inputs of a profile resolution.
type ResolveRequest struct {
	Context domain.RequestContext
	Cookies map[string]string
	Client  domain.ClientInfo
}

// Result is the server-confirmed profile and the cache to hand back to the client.
type Result struct {
	Profile domain.Profile
	Cache   domain.ProfileCache
}

// IdentifyRequest records traits against an already resolved profile.
type IdentifyRequest struct {
	Context domain.RequestContext
	Cache   domain.ProfileCache
	Traits  map[string]any
}

type eventsRequest struct {
	Events []Event `json:"events"`
	domain.ProfileCache
	IP       string              `json:"ip,omitempty"`
	Location *domain.GeoLocation `json:"location,omitempty"`
}

type identifyRequest struct {
	Events []Event `json:"events"`
	domain.ProfileCache
}

type eventsResponse struct {
	Data struct {
		Profile         *domain.Profile `json:"profile"`
		TraitsUpdatedAt json.RawMessage `json:"traitsUpdatedAt"`
		Signals         json.RawMessage `json:"signals"`
	} `json:"data"`
}

// Resolve sends a page event for the visitor and returns the updated profile.
// A missing or unreadable cache cookie starts a new anonymous profile.
func (c *Client) Resolve(ctx context.Context, req ResolveRequest) (*Result, error) {
	prior := cookies.ReadProfileCache(req.Cookies, c.logger)

	body := eventsRequest{
		Events:       []Event{NewPageEvent(prior.ID, req.Context, c.now())},
		ProfileCache: prior,
		IP:           req.Client.IP,
	}
	location := prior.Location
	if !req.Client.Location.IsZero() {
		location = req.Client.Location
	}
	body.Location = &location

	var decoded eventsResponse
	if err := c.post(ctx, prior.ID, body, &decoded); err != nil {
		return nil, err
	}
	if decoded.Data.Profile == nil || decoded.Data.Profile.ID == "" {
		return nil, &domain.UpstreamError{
			Upstream: upstreamName,
			Err:      fmt.Errorf("%w: response carries no profile", domain.ErrProfileUnavailable),
		}
	}

	profile := *decoded.Data.Profile
	if profile.Traits == nil {
		profile.Traits = map[string]any{}
	}
	if profile.Audiences == nil {
		profile.Audiences = []string{}
	}

	return &Result{
		Profile: profile,
		Cache: domain.ProfileCache{
			ID:              profile.ID,
			Random:          profile.Random,
			Audiences:       profile.Audiences,
			Location:        profile.Location,
			Session:         profile.Session,
			Traits:          maps.Clone(profile.Traits),
			TraitsUpdatedAt: decoded.Data.TraitsUpdatedAt,
			Signals:         decoded.Data.Signals,
			Sessions:        prior.Sessions,
		},
	}, nil
}

// Identify records traits on the profile identified by req.Cache.
func (c *Client) Identify(ctx context.Context, req IdentifyRequest) error {
	body := identifyRequest{
		Events:       []Event{NewIdentifyEvent(req.Cache.ID, req.Context, req.Traits, c.now())},
		ProfileCache: req.Cache,
	}
	return c.post(ctx, req.Cache.ID, body, nil)
}

func (c *Client) eventsURL(anonymousID string) string {
	return fmt.Sprintf("%s/v1/organizations/%s/environments/%s/profiles/%s/events",
		c.cfg.BaseURL,
		url.PathEscape(c.cfg.ClientID),
		url.PathEscape(c.cfg.Environment),
		url.PathEscape(anonymousID),
	)
}

func (c *Client) post(ctx context.Context, anonymousID string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode events request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL(anonymousID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build events request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &domain.UpstreamError{
			Upstream: upstreamName,
			Err:      fmt.Errorf("%w: %v", domain.ErrProfileUnavailable, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("profile backend rejected events", "status", resp.StatusCode, "body", string(snippet))
		return &domain.UpstreamError{
			Upstream:   upstreamName,
			StatusCode: resp.StatusCode,
			Err:        domain.ErrProfileUnavailable,
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.UpstreamError{
			Upstream:   upstreamName,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: decode response: %v", domain.ErrProfileUnavailable, err),
		}
	}
	return nil
}
