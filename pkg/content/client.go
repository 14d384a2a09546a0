// Package content reads experience configurations from the content
// repository's entries API.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-edge/pkg/domain"
)

const (
	upstreamName = "content"
	maxPageSize  = 1000
)

// Fetcher performs GET requests, possibly from a cache. edgecache.Fetcher
// satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, ttl time.Duration) (*http.Response, error)
}

// FetchFunc adapts a plain function to Fetcher.
type FetchFunc func(ctx context.Context, req *http.Request, ttl time.Duration) (*http.Response, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, req *http.Request, ttl time.Duration) (*http.Response, error) {
	return f(ctx, req, ttl)
}

// ClientFetcher wraps an http.Client without caching.
func ClientFetcher(client *http.Client) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return FetchFunc(func(ctx context.Context, req *http.Request, _ time.Duration) (*http.Response, error) {
		return client.Do(req.WithContext(ctx))
	})
}

// Config locates a space and environment in the content repository.
type Config struct {
	BaseURL               string
	SpaceID               string
	EnvironmentID         string
	AccessToken           string
	PageContentType       string
	ExperienceContentType string
	IncludeDepth          int
	TTL                   time.Duration
}

// Client queries the entries API.
type Client struct {
	cfg      Config
	fetcher  Fetcher
	registry *Registry
	logger   *slog.Logger
}

// NewClient builds a Client. A nil registry uses DefaultRegistry.
func NewClient(cfg Config, fetcher Fetcher, registry *Registry, logger *slog.Logger) *Client {
	if cfg.EnvironmentID == "" {
		cfg.EnvironmentID = "master"
	}
	if cfg.PageContentType == "" {
		cfg.PageContentType = "page"
	}
	if cfg.ExperienceContentType == "" {
		cfg.ExperienceContentType = ExperienceContentType
	}
	if cfg.IncludeDepth <= 0 {
		cfg.IncludeDepth = 10
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = DefaultRegistry(cfg.ExperienceContentType, cfg.PageContentType, logger, nil)
	}
	return &Client{cfg: cfg, fetcher: fetcher, registry: registry, logger: logger}
}

// GetEntries runs an entries query.
func (c *Client) GetEntries(ctx context.Context, query url.Values) (*EntryCollection, error) {
	endpoint := fmt.Sprintf("%s/spaces/%s/environments/%s/entries?%s",
		c.cfg.BaseURL,
		url.PathEscape(c.cfg.SpaceID),
		url.PathEscape(c.cfg.EnvironmentID),
		query.Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build entries request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.fetcher.Fetch(ctx, req, c.cfg.TTL)
	if err != nil {
		return nil, &domain.UpstreamError{
			Upstream: upstreamName,
			Err:      fmt.Errorf("%w: %v", domain.ErrContentUnavailable, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &domain.UpstreamError{
			Upstream:   upstreamName,
			StatusCode: resp.StatusCode,
			Err:        domain.ErrContentUnavailable,
		}
	}

	var collection EntryCollection
	if err := json.NewDecoder(resp.Body).Decode(&collection); err != nil {
		return nil, &domain.UpstreamError{
			Upstream:   upstreamName,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: decode entries: %v", domain.ErrContentUnavailable, err),
		}
	}
	return &collection, nil
}

// GetExperiencesOnPage returns the experiences linked from the page with slug.
// They are read from the page query's included entries.
func (c *Client) GetExperiencesOnPage(ctx context.Context, slug string) ([]domain.ExperienceConfiguration, error) {
	query := url.Values{}
	query.Set("content_type", c.cfg.PageContentType)
	query.Set("fields.slug", slug)
	query.Set("limit", "1")
	query.Set("include", strconv.Itoa(c.cfg.IncludeDepth))

	page, err := c.GetEntries(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		c.logger.Debug("no page for slug", "slug", slug)
	}
	return c.registry.Map(page.Includes.Entry, NewIndex(page.Includes)), nil
}

// GetAllExperiments returns every experiment in the environment.
func (c *Client) GetAllExperiments(ctx context.Context) ([]domain.ExperienceConfiguration, error) {
	query := url.Values{}
	query.Set("content_type", c.cfg.ExperienceContentType)
	query.Set("limit", strconv.Itoa(maxPageSize))
	query.Set("include", strconv.Itoa(c.cfg.IncludeDepth))

	collection, err := c.GetEntries(ctx, query)
	if err != nil {
		return nil, err
	}

	experiences := c.registry.Map(collection.Items, NewIndex(collection.Includes))
	experiments := experiences[:0]
	for _, exp := range experiences {
		if exp.IsExperiment() {
			experiments = append(experiments, exp)
		}
	}
	return experiments, nil
}
