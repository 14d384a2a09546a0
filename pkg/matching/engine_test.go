package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-edge/pkg/domain"
)

func experiment(id string) domain.ExperienceConfiguration {
	return domain.ExperienceConfiguration{
		ID:                id,
		Type:              domain.ExperienceTypeExperiment,
		TrafficAllocation: 1,
		Distribution: []domain.VariantDistribution{
			{Index: 0, Start: 0, End: 0.5},
			{Index: 1, Start: 0.5, End: 1},
		},
	}
}

func personalization(id, audience string) domain.ExperienceConfiguration {
	exp := domain.ExperienceConfiguration{
		ID:                id,
		Type:              domain.ExperienceTypePersonalization,
		TrafficAllocation: 1,
		Distribution: []domain.VariantDistribution{
			{Index: 0, Start: 0, End: 0},
			{Index: 1, Start: 0, End: 1},
		},
	}
	if audience != "" {
		exp.Audience = &domain.AudienceRef{ID: audience}
	}
	return exp
}

func TestSelectActiveExperiments(t *testing.T) {
	engine := NewStandard()
	profile := &domain.Profile{
		ID: "p",
		Traits: map[string]any{
			"nt_experiment_exp2": float64(1),
			"nt_experiment_exp3": true,
			"nt_experiment_exp4": false,
			"nt_experiment_p1":   float64(0),
		},
	}
	all := []domain.ExperienceConfiguration{experiment("exp2"), experiment("exp3"), experiment("exp4"), personalization("p1", "")}

	active := engine.SelectActiveExperiments(all, profile)

	ids := make([]string, 0, len(active))
	for _, a := range active {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"exp2", "exp3"}, ids)
	assert.Empty(t, engine.SelectActiveExperiments(all, &domain.Profile{ID: "new"}))
}

func TestSelectEligibleExperiences(t *testing.T) {
	engine := NewStandard()
	onPage := []domain.ExperienceConfiguration{personalization("p1", ""), experiment("exp1"), experiment("exp2")}

	assert.Len(t, engine.SelectEligibleExperiences(onPage, nil), 3)

	eligible := engine.SelectEligibleExperiences(onPage, []domain.ExperienceConfiguration{experiment("exp2")})
	require.Len(t, eligible, 1)
	assert.Equal(t, "p1", eligible[0].ID)
}

func TestIsExperienceMatch(t *testing.T) {
	ctx := context.Background()
	engine := NewStandard()
	profile := &domain.Profile{ID: "p", Random: 0.4, Audiences: []string{"returning"}}

	tests := []struct {
		name   string
		exp    domain.ExperienceConfiguration
		active []domain.ExperienceConfiguration
		want   bool
	}{
		{name: "no audience", exp: personalization("p1", ""), want: true},
		{name: "member", exp: personalization("p1", "returning"), want: true},
		{name: "not member", exp: personalization("p1", "vip"), want: false},
		{
			name: "outside traffic",
			exp: func() domain.ExperienceConfiguration {
				e := personalization("p1", "")
				e.TrafficAllocation = 0.3
				return e
			}(),
			want: false,
		},
		{
			name: "active experiment bypasses traffic",
			exp: func() domain.ExperienceConfiguration {
				e := experiment("exp2")
				e.TrafficAllocation = 0
				return e
			}(),
			active: []domain.ExperienceConfiguration{experiment("exp2")},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.IsExperienceMatch(ctx, tt.exp, tt.active, profile)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type failingEvaluator struct{}

func (failingEvaluator) InAudience(context.Context, string, *domain.Profile) (bool, error) {
	return false, errors.New("boom")
}

func TestIsExperienceMatchEvaluatorError(t *testing.T) {
	engine := NewStandard(WithAudienceEvaluator(failingEvaluator{}))
	_, err := engine.IsExperienceMatch(context.Background(), personalization("p1", "vip"), nil, &domain.Profile{ID: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vip")
}

func TestSelectDistributionZeroWidthBucket(t *testing.T) {
	engine := NewStandard()
	d, ok := engine.SelectDistribution(personalization("p1", ""), &domain.Profile{ID: "anyone"})
	require.True(t, ok)
	assert.Equal(t, 1, d.Index)

	_, ok = engine.SelectDistribution(domain.ExperienceConfiguration{ID: "empty"}, &domain.Profile{ID: "anyone"})
	assert.False(t, ok)
}

func TestSelectDistributionIsDeterministic(t *testing.T) {
	engine := NewStandard()
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[a-z0-9-]{1,24}`).Draw(t, "profile_id")
		profile := &domain.Profile{ID: id}
		exp := experiment("exp1")

		first, ok1 := engine.SelectDistribution(exp, profile)
		second, ok2 := engine.SelectDistribution(exp, profile)
		if !ok1 || !ok2 {
			t.Fatalf("full-range distribution must always resolve")
		}
		if first != second {
			t.Fatalf("bucket changed between calls: %v vs %v", first, second)
		}

		r := BucketRandom(profile, exp.ID)
		if r < 0 || r >= 1 {
			t.Fatalf("bucket %v out of range", r)
		}
	})
}

func TestBucketRandomPrefersStableID(t *testing.T) {
	a := BucketRandom(&domain.Profile{ID: "one", StableID: "stable"}, "exp")
	b := BucketRandom(&domain.Profile{ID: "two", StableID: "stable"}, "exp")
	assert.Equal(t, a, b)
}

func TestEnrollmentTrait(t *testing.T) {
	profile := &domain.Profile{Traits: map[string]any{
		"nt_experiment_a": float64(2),
		"nt_experiment_b": true,
		"nt_experiment_c": "1",
		"nt_experiment_d": 1.5,
		"nt_experiment_e": "x",
	}}

	idx, ok := EnrollmentTrait(profile, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	idx, ok = EnrollmentTrait(profile, "b")
	assert.True(t, ok)
	assert.Equal(t, -1, idx)

	idx, ok = EnrollmentTrait(profile, "c")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	for _, id := range []string{"d", "e", "missing"} {
		_, ok = EnrollmentTrait(profile, id)
		assert.False(t, ok, id)
	}
}
