// Package edge implements the personalizing request pipeline: resolve the
// visitor profile, pick variants for the page, and serve the matching
// pre-rendered origin page through the edge cache.
package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-edge/pkg/background"
	"github.com/polisai/polis-edge/pkg/cookies"
	"github.com/polisai/polis-edge/pkg/domain"
	"github.com/polisai/polis-edge/pkg/metrics"
	"github.com/polisai/polis-edge/pkg/profile"
	"github.com/polisai/polis-edge/pkg/reqctx"
	"github.com/polisai/polis-edge/pkg/selector"
	"github.com/polisai/polis-edge/pkg/telemetry"
	"github.com/polisai/polis-edge/pkg/variants"
)

// ProfileService resolves visitor profiles and records enrollments.
type ProfileService interface {
	Resolve(ctx context.Context, req profile.ResolveRequest) (*profile.Result, error)
	Identify(ctx context.Context, req profile.IdentifyRequest) error
}

// ExperienceSource lists the experiences known to the content repository.
type ExperienceSource interface {
	GetExperiencesOnPage(ctx context.Context, slug string) ([]domain.ExperienceConfiguration, error)
	GetAllExperiments(ctx context.Context) ([]domain.ExperienceConfiguration, error)
}

// OriginFetcher serves rewritten origin requests, usually from the edge cache.
type OriginFetcher interface {
	Fetch(ctx context.Context, req *http.Request, ttl time.Duration) (*http.Response, error)
}

// Config holds the handler settings.
type Config struct {
	// OriginURL is where rewritten and passed-through requests are sent.
	OriginURL *url.URL
	// IPHeader names the header carrying the connecting client IP.
	IPHeader string
	// CacheTTL overrides the edge cache default when positive.
	CacheTTL time.Duration
}

// Dependencies are the collaborators of a Handler.
type Dependencies struct {
	Profiles ProfileService
	Content  ExperienceSource
	Selector *selector.Selector
	Cache    OriginFetcher
	// Origin serves pass-through requests. Defaults to http.DefaultClient.
	Origin  *http.Client
	Group   *background.Group
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Handler is the edge request pipeline.
type Handler struct {
	cfg      Config
	profiles ProfileService
	content  ExperienceSource
	selector *selector.Selector
	cache    OriginFetcher
	origin   *http.Client
	group    *background.Group
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandler validates the configuration and wires the pipeline.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	if cfg.OriginURL == nil || cfg.OriginURL.Host == "" {
		return nil, fmt.Errorf("edge handler: origin url is required: %w", domain.ErrConfigInvalid)
	}
	if deps.Profiles == nil || deps.Content == nil || deps.Cache == nil {
		return nil, errors.New("edge handler: profiles, content and cache are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Selector == nil {
		deps.Selector = selector.New(nil, deps.Logger)
	}
	if deps.Origin == nil {
		deps.Origin = http.DefaultClient
	}
	if deps.Group == nil {
		deps.Group = background.New(deps.Logger)
	}
	if cfg.IPHeader == "" {
		cfg.IPHeader = reqctx.DefaultIPHeader
	}

	return &Handler{
		cfg:      cfg,
		profiles: deps.Profiles,
		content:  deps.Content,
		selector: deps.Selector,
		cache:    deps.Cache,
		origin:   deps.Origin,
		group:    deps.Group,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		tracer:   telemetry.Tracer(),
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := h.metrics.NewRequestTimer()
	rec := metrics.NewStatusRecorder(w)
	mode := metrics.ModePersonalized

	defer func() {
		timer.Done(mode, rec.StatusCode)
	}()

	if !AcceptsHTML(r) {
		mode = metrics.ModePassthrough
		if err := h.passthrough(rec, r); err != nil {
			mode = metrics.ModeFailed
			h.logger.Warn("pass-through failed", "path", r.URL.Path, "error", err)
			h.writeError(r.Context(), rec, http.StatusBadGateway, "origin_unavailable", "origin request failed")
		}
		return
	}

	err := h.personalize(rec, r)
	if err == nil {
		return
	}

	mode = metrics.ModeFallback
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	h.logger.Warn("personalization failed, serving unpersonalized page",
		"path", r.URL.Path,
		"error", err,
	)

	if err := h.passthrough(rec, r); err != nil {
		mode = metrics.ModeFailed
		span.SetStatus(codes.Error, "origin unavailable")
		h.logger.Error("fallback pass-through failed", "path", r.URL.Path, "error", err)
		h.writeError(r.Context(), rec, http.StatusBadGateway, "origin_unavailable", "origin request failed")
	}
}

// AcceptsHTML reports whether the request asks for an HTML document.
func AcceptsHTML(r *http.Request) bool {
	return strings.Contains(strings.Join(r.Header.Values("Accept"), ","), "text/html")
}

type fetched struct {
	result      *profile.Result
	experiments []domain.ExperienceConfiguration
	onPage      []domain.ExperienceConfiguration
}

// personalize runs the full pipeline. It writes to w only once the rewritten
// origin response is in hand, so a returned error leaves w untouched.
func (h *Handler) personalize(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	requestCtx := reqctx.Build(r)

	data, err := h.fetchAll(ctx, r, requestCtx)
	if err != nil {
		return err
	}

	selCtx, span := h.tracer.Start(ctx, "edge.select")
	sel, err := h.selector.Select(selCtx, &data.result.Profile, data.experiments, data.onPage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "selection failed")
		span.End()
		return fmt.Errorf("select variants: %w", err)
	}

	cache := data.result.Cache
	enrolled := ""
	if sel.Enroll != nil {
		enrolled = sel.Enroll.ExperienceID
		cache = h.enroll(selCtx, requestCtx, cache, *sel.Enroll)
	}

	path := variants.RewritePath(r.URL.Path, sel.Selections)
	span.SetAttributes(telemetry.SanitizeAttributes([]attribute.KeyValue{
		telemetry.AttrProfileID.String(data.result.Profile.ID),
	})...)
	telemetry.RecordSelection(span, path, len(sel.Selections), enrolled)
	span.End()

	h.logger.Debug("request personalized",
		"path", r.URL.Path,
		"variant_path", path,
		"selections", len(sel.Selections),
		"enrolled", enrolled,
	)

	resp, err := h.fetchVariant(ctx, r, path)
	if err != nil {
		return err
	}

	if err := Finish(resp.Header, data.result.Profile, cache); err != nil {
		h.logger.Warn("profile cache cookie not written", "error", err)
	}
	h.copyResponse(w, resp)
	return nil
}

// fetchAll resolves the profile and loads both experience sets concurrently.
// Any failure fails the whole set.
func (h *Handler) fetchAll(ctx context.Context, r *http.Request, requestCtx domain.RequestContext) (*fetched, error) {
	ctx, span := h.tracer.Start(ctx, "edge.fetch")
	defer span.End()

	var out fetched
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := h.profiles.Resolve(gctx, profile.ResolveRequest{
			Context: requestCtx,
			Cookies: cookies.Parse(strings.Join(r.Header.Values("Cookie"), "; ")),
			Client:  reqctx.Client(r, h.cfg.IPHeader),
		})
		if err != nil {
			return fmt.Errorf("resolve profile: %w", err)
		}
		out.result = res
		return nil
	})
	g.Go(func() error {
		exps, err := h.content.GetAllExperiments(gctx)
		if err != nil {
			return fmt.Errorf("load experiments: %w", err)
		}
		out.experiments = exps
		return nil
	})
	g.Go(func() error {
		exps, err := h.content.GetExperiencesOnPage(gctx, r.URL.Path)
		if err != nil {
			return fmt.Errorf("load page experiences: %w", err)
		}
		out.onPage = exps
		return nil
	})

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("edge.experiments.count", len(out.experiments)),
		attribute.Int("edge.page_experiences.count", len(out.onPage)),
	)
	return &out, nil
}

// enroll records the experiment assignment in the returned cache and sends
// the identify event in the background.
func (h *Handler) enroll(ctx context.Context, requestCtx domain.RequestContext, cache domain.ProfileCache, enrollment domain.VariantSelection) domain.ProfileCache {
	key := domain.ExperimentTraitKey(enrollment.ExperienceID)
	traits := map[string]any{key: enrollment.VariantIndex}

	cache.Traits = maps.Clone(cache.Traits)
	if cache.Traits == nil {
		cache.Traits = map[string]any{}
	}
	cache.Traits[key] = enrollment.VariantIndex

	identify := profile.IdentifyRequest{
		Context: requestCtx,
		Cache:   cache,
		Traits:  traits,
	}
	h.metrics.RecordEnrollment()
	h.group.Go(ctx, "identify", func(ctx context.Context) error {
		return h.profiles.Identify(ctx, identify)
	})
	return cache
}

func (h *Handler) fetchVariant(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	ctx, span := h.tracer.Start(ctx, "edge.origin", trace.WithAttributes(telemetry.AttrVariantPath.String(path)))
	defer span.End()

	out, err := h.originRequest(ctx, r, path)
	if err != nil {
		return nil, err
	}
	// The transport negotiates compression itself so cached bodies stay plain.
	out.Header.Del("Accept-Encoding")
	resp, err := h.cache.Fetch(ctx, out, h.cfg.CacheTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "origin fetch failed")
		return nil, &domain.UpstreamError{Upstream: "origin", Err: fmt.Errorf("%w: %v", domain.ErrOriginUnavailable, err)}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request) error {
	out, err := h.originRequest(r.Context(), r, r.URL.Path)
	if err != nil {
		return err
	}
	resp, err := h.origin.Do(out)
	if err != nil {
		return &domain.UpstreamError{Upstream: "origin", Err: fmt.Errorf("%w: %v", domain.ErrOriginUnavailable, err)}
	}
	h.copyResponse(w, resp)
	return nil
}
