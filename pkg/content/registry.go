package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-edge/pkg/domain"
	"github.com/polisai/polis-edge/pkg/metrics"
)

// Content type ids with built-in handling.
const (
	ExperienceContentType = "nt_experience"
	AudienceContentType   = "nt_audience"
)

// EntryMapper turns an entry of one content type into an experience.
type EntryMapper interface {
	MapEntry(entry Entry, linked Index) (domain.ExperienceConfiguration, error)
}

// EntryMapperFunc adapts a function to EntryMapper.
type EntryMapperFunc func(entry Entry, linked Index) (domain.ExperienceConfiguration, error)

// MapEntry calls f.
func (f EntryMapperFunc) MapEntry(entry Entry, linked Index) (domain.ExperienceConfiguration, error) {
	return f(entry, linked)
}

// Registry dispatches entries to mappers by content type id. Content types
// registered as ignored are dropped quietly; anything else unknown is dropped
// with a warning logged once per type.
type Registry struct {
	mappers map[string]EntryMapper
	ignored map[string]struct{}
	logger  *slog.Logger
	metrics *metrics.Metrics
	warned  sync.Map
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		mappers: make(map[string]EntryMapper),
		ignored: make(map[string]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// DefaultRegistry maps experienceType with the experience mapper and ignores
// audiences and the page type.
func DefaultRegistry(experienceType, pageType string, logger *slog.Logger, m *metrics.Metrics) *Registry {
	r := NewRegistry(logger, m)
	r.Register(experienceType, EntryMapperFunc(MapExperience))
	r.Ignore(AudienceContentType, pageType)
	return r
}

// Register binds a mapper to a content type id.
func (r *Registry) Register(contentType string, mapper EntryMapper) {
	r.mappers[contentType] = mapper
}

// Ignore marks content types that are expected in responses but never mapped.
func (r *Registry) Ignore(contentTypes ...string) {
	for _, ct := range contentTypes {
		r.ignored[ct] = struct{}{}
	}
}

// Map converts entries, skipping anything that cannot be mapped. It never fails.
func (r *Registry) Map(entries []Entry, linked Index) []domain.ExperienceConfiguration {
	out := make([]domain.ExperienceConfiguration, 0, len(entries))
	for _, entry := range entries {
		ct := entry.ContentType()
		mapper, ok := r.mappers[ct]
		if !ok {
			if _, quiet := r.ignored[ct]; !quiet {
				r.warnUnknown(ct, entry.Sys.ID)
			}
			continue
		}

		exp, err := mapper.MapEntry(entry, linked)
		if err != nil {
			r.metrics.RecordSkippedEntry(ct, "malformed")
			r.logger.Warn("skipping malformed content entry", "content_type", ct, "entry_id", entry.Sys.ID, "error", err)
			continue
		}
		out = append(out, exp)
	}
	return out
}

func (r *Registry) warnUnknown(contentType, entryID string) {
	r.metrics.RecordSkippedEntry(contentType, "unknown_content_type")
	if _, seen := r.warned.LoadOrStore(contentType, struct{}{}); seen {
		r.logger.Debug("skipping entry of unknown content type", "content_type", contentType, "entry_id", entryID)
		return
	}
	r.logger.Warn("skipping entry of unknown content type", "content_type", contentType, "entry_id", entryID)
}

type experienceFields struct {
	Name     string                `json:"nt_name"`
	Type     domain.ExperienceType `json:"nt_type"`
	Audience *Link                 `json:"nt_audience"`
	Config   *experienceConfig     `json:"nt_config"`
}

type experienceConfig struct {
	Traffic               float64                      `json:"traffic"`
	Distribution          []float64                    `json:"distribution"`
	ScatteredDistribution []domain.VariantDistribution `json:"scatteredDistribution"`
	Components            []domain.Component           `json:"components"`
}

type audienceFields struct {
	AudienceID string `json:"nt_audience_id"`
}

// MapExperience maps an experience entry. Entries without a configuration or
// with an unknown experience type are rejected. An experience without an
// audience targets every visitor.
func MapExperience(entry Entry, linked Index) (domain.ExperienceConfiguration, error) {
	var fields experienceFields
	if err := json.Unmarshal(entry.Fields, &fields); err != nil {
		return domain.ExperienceConfiguration{}, fmt.Errorf("decode experience fields: %w", err)
	}

	switch fields.Type {
	case domain.ExperienceTypePersonalization, domain.ExperienceTypeExperiment:
	default:
		return domain.ExperienceConfiguration{}, fmt.Errorf("unknown experience type %q", fields.Type)
	}
	if fields.Config == nil {
		return domain.ExperienceConfiguration{}, errors.New("missing nt_config")
	}

	exp := domain.ExperienceConfiguration{
		ID:                entry.Sys.ID,
		Type:              fields.Type,
		TrafficAllocation: fields.Config.Traffic,
		Distribution:      fields.Config.ScatteredDistribution,
		Components:        fields.Config.Components,
	}
	if len(exp.Distribution) == 0 {
		exp.Distribution = distributionFromWeights(fields.Config.Distribution)
	}
	if fields.Audience != nil && fields.Audience.Sys.ID != "" {
		exp.Audience = &domain.AudienceRef{ID: resolveAudienceID(fields.Audience.Sys.ID, linked)}
	}
	return exp, nil
}

// resolveAudienceID prefers the audience id stored on the linked audience
// entry and falls back to the link's entry id.
func resolveAudienceID(linkID string, linked Index) string {
	entry, ok := linked[linkID]
	if !ok || entry.ContentType() != AudienceContentType {
		return linkID
	}
	var fields audienceFields
	if err := json.Unmarshal(entry.Fields, &fields); err != nil || fields.AudienceID == "" {
		return linkID
	}
	return fields.AudienceID
}

// distributionFromWeights turns per-variant weights into contiguous ranges.
func distributionFromWeights(weights []float64) []domain.VariantDistribution {
	out := make([]domain.VariantDistribution, 0, len(weights))
	start := 0.0
	for i, w := range weights {
		out = append(out, domain.VariantDistribution{Index: i, Start: start, End: start + w})
		start += w
	}
	return out
}
