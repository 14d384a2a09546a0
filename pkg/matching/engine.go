package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/polisai/polis-edge/pkg/domain"
)

// Engine decides which experiences apply to a profile and which variant it sees.
type Engine interface {
	// SelectActiveExperiments returns the experiments the profile is enrolled in.
	SelectActiveExperiments(experiments []domain.ExperienceConfiguration, profile *domain.Profile) []domain.ExperienceConfiguration
	// SelectEligibleExperiences drops experiments that conflict with the active set.
	SelectEligibleExperiences(experiences, active []domain.ExperienceConfiguration) []domain.ExperienceConfiguration
	// IsExperienceMatch reports whether the profile falls into the experience.
	IsExperienceMatch(ctx context.Context, experience domain.ExperienceConfiguration, active []domain.ExperienceConfiguration, profile *domain.Profile) (bool, error)
	// SelectDistribution picks the variant bucket for the profile.
	SelectDistribution(experience domain.ExperienceConfiguration, profile *domain.Profile) (domain.VariantDistribution, bool)
}

// AudienceEvaluator decides audience membership for a profile.
type AudienceEvaluator interface {
	InAudience(ctx context.Context, audienceID string, profile *domain.Profile) (bool, error)
}

// MembershipEvaluator trusts the audience list computed by the profile backend.
type MembershipEvaluator struct{}

// InAudience implements AudienceEvaluator.
func (MembershipEvaluator) InAudience(_ context.Context, audienceID string, profile *domain.Profile) (bool, error) {
	return profile.InAudience(audienceID), nil
}

// Option customises a Standard engine.
type Option func(*Standard)

// WithAudienceEvaluator replaces the membership check.
func WithAudienceEvaluator(evaluator AudienceEvaluator) Option {
	return func(s *Standard) {
		if evaluator != nil {
			s.audiences = evaluator
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Standard) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Standard is the built-in engine. Traffic allocation is checked against the
// profile's random value; variant bucketing hashes the profile id with the
// experience id so each experience splits visitors independently.
type Standard struct {
	audiences AudienceEvaluator
	logger    *slog.Logger
}

var _ Engine = (*Standard)(nil)

// NewStandard constructs the default engine.
func NewStandard(opts ...Option) *Standard {
	s := &Standard{
		audiences: MembershipEvaluator{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectActiveExperiments returns experiments carrying a truthy enrollment trait.
func (s *Standard) SelectActiveExperiments(experiments []domain.ExperienceConfiguration, profile *domain.Profile) []domain.ExperienceConfiguration {
	if profile == nil || len(profile.Traits) == 0 {
		return nil
	}
	var active []domain.ExperienceConfiguration
	for _, exp := range experiments {
		if !exp.IsExperiment() {
			continue
		}
		if _, ok := EnrollmentTrait(profile, exp.ID); ok {
			active = append(active, exp)
		}
	}
	return active
}

// SelectEligibleExperiences keeps every personalization. Experiments are kept
// only while the profile is not enrolled in any experiment; active ones carry
// their assignment separately.
func (s *Standard) SelectEligibleExperiences(experiences, active []domain.ExperienceConfiguration) []domain.ExperienceConfiguration {
	eligible := make([]domain.ExperienceConfiguration, 0, len(experiences))
	for _, exp := range experiences {
		if exp.IsExperiment() && len(active) > 0 {
			continue
		}
		eligible = append(eligible, exp)
	}
	return eligible
}

// IsExperienceMatch checks traffic allocation and then the audience.
func (s *Standard) IsExperienceMatch(ctx context.Context, experience domain.ExperienceConfiguration, active []domain.ExperienceConfiguration, profile *domain.Profile) (bool, error) {
	if profile == nil {
		return false, nil
	}
	if experience.IsExperiment() {
		for _, a := range active {
			if a.ID == experience.ID {
				return true, nil
			}
		}
	}
	if experience.TrafficAllocation <= profile.Random {
		return false, nil
	}
	if experience.Audience == nil || experience.Audience.ID == "" {
		return true, nil
	}
	ok, err := s.audiences.InAudience(ctx, experience.Audience.ID, profile)
	if err != nil {
		return false, fmt.Errorf("evaluate audience %s for experience %s: %w", experience.Audience.ID, experience.ID, err)
	}
	return ok, nil
}

// SelectDistribution returns the bucket covering the profile's hash for the experience.
func (s *Standard) SelectDistribution(experience domain.ExperienceConfiguration, profile *domain.Profile) (domain.VariantDistribution, bool) {
	if profile == nil || len(experience.Distribution) == 0 {
		return domain.VariantDistribution{}, false
	}
	r := BucketRandom(profile, experience.ID)
	for _, d := range experience.Distribution {
		if r >= d.Start && r < d.End {
			return d, true
		}
	}
	// r is strictly below 1, but the last range may be closed at 1.
	last := experience.Distribution[len(experience.Distribution)-1]
	if last.End >= 1 && r >= last.Start {
		return last, true
	}
	s.logger.Debug("no distribution covers bucket",
		"experience_id", experience.ID,
		"bucket", r,
	)
	return domain.VariantDistribution{}, false
}

// BucketRandom maps the profile and experience to a stable value in [0, 1).
func BucketRandom(profile *domain.Profile, experienceID string) float64 {
	seed := profile.StableID
	if seed == "" {
		seed = profile.ID
	}
	sum := xxhash.Sum64String(seed + ":" + experienceID)
	return float64(sum>>11) / float64(uint64(1)<<53)
}

// EnrollmentTrait reads the enrollment trait for an experiment. The value is
// the assigned variant index; legacy profiles store a bare true, reported as
// index -1.
func EnrollmentTrait(profile *domain.Profile, experienceID string) (int, bool) {
	if profile == nil {
		return 0, false
	}
	raw, ok := profile.Traits[domain.ExperimentTraitKey(experienceID)]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case bool:
		if !v {
			return 0, false
		}
		return -1, true
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return v, true
	case string:
		idx, err := strconv.Atoi(v)
		if err != nil || idx < 0 {
			return 0, false
		}
		return idx, true
	default:
		return 0, false
	}
}
