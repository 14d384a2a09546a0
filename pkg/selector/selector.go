// Package selector turns a resolved profile and the experiences on a page into
// the variant selections encoded into the forwarded request.
package selector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-edge/pkg/domain"
	"github.com/polisai/polis-edge/pkg/matching"
)

// Selection is the outcome of one selection pass.
type Selection struct {
	// Active are the experiments the profile was already enrolled in.
	Active []domain.ExperienceConfiguration
	// Matching are the on-page experiences that apply to the profile.
	Matching []domain.ExperienceConfiguration
	// Selections holds one variant per experience id.
	Selections []domain.VariantSelection
	// Enroll is set when the profile should be enrolled in a new experiment.
	Enroll *domain.VariantSelection
}

// Selector orchestrates the matching engine.
type Selector struct {
	engine matching.Engine
	logger *slog.Logger
}

// New constructs a Selector. A nil engine selects matching.NewStandard.
func New(engine matching.Engine, logger *slog.Logger) *Selector {
	if engine == nil {
		engine = matching.NewStandard()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{engine: engine, logger: logger}
}

// Select computes the variant selections for a profile. At most one new
// experiment is chosen per request, and none while the profile is already
// enrolled in one. Active experiments that appear on the page keep the index
// recorded at enrollment.
func (s *Selector) Select(ctx context.Context, profile *domain.Profile, all, onPage []domain.ExperienceConfiguration) (*Selection, error) {
	if profile == nil {
		return nil, fmt.Errorf("select experiences: %w", domain.ErrProfileUnavailable)
	}

	active := s.engine.SelectActiveExperiments(all, profile)
	eligible := s.engine.SelectEligibleExperiences(onPage, active)

	matched := make([]domain.ExperienceConfiguration, 0, len(eligible))
	for _, exp := range eligible {
		ok, err := s.engine.IsExperienceMatch(ctx, exp, active, profile)
		if err != nil {
			return nil, fmt.Errorf("match experience %s: %w", exp.ID, err)
		}
		if ok {
			matched = append(matched, exp)
		}
	}

	var (
		personalizations []domain.ExperienceConfiguration
		experiment       *domain.ExperienceConfiguration
	)
	for i := range matched {
		switch {
		case matched[i].IsPersonalization():
			personalizations = append(personalizations, matched[i])
		case matched[i].IsExperiment() && experiment == nil:
			experiment = &matched[i]
		}
	}

	result := &Selection{Active: active}
	seen := make(map[string]struct{}, len(matched)+len(active))
	add := func(exp domain.ExperienceConfiguration, index int) {
		if _, dup := seen[exp.ID]; dup {
			return
		}
		seen[exp.ID] = struct{}{}
		result.Matching = append(result.Matching, exp)
		result.Selections = append(result.Selections, domain.VariantSelection{ExperienceID: exp.ID, VariantIndex: index})
	}

	for _, exp := range personalizations {
		add(exp, s.variantIndex(exp, profile))
	}
	if experiment != nil {
		index := s.variantIndex(*experiment, profile)
		add(*experiment, index)
		if len(active) == 0 {
			result.Enroll = &domain.VariantSelection{ExperienceID: experiment.ID, VariantIndex: index}
		}
	}

	onPageIDs := make(map[string]struct{}, len(onPage))
	for _, exp := range onPage {
		onPageIDs[exp.ID] = struct{}{}
	}
	for _, exp := range active {
		if _, ok := onPageIDs[exp.ID]; !ok {
			continue
		}
		index, _ := matching.EnrollmentTrait(profile, exp.ID)
		if index < 0 {
			index = s.variantIndex(exp, profile)
		}
		add(exp, index)
	}

	s.logger.Debug("experiences selected",
		"profile_id", profile.ID,
		"active", len(active),
		"eligible", len(eligible),
		"matching", len(result.Matching),
		"enroll", result.Enroll != nil,
	)
	return result, nil
}

func (s *Selector) variantIndex(exp domain.ExperienceConfiguration, profile *domain.Profile) int {
	d, ok := s.engine.SelectDistribution(exp, profile)
	if !ok {
		return 0
	}
	return d.Index
}
