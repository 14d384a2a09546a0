package domain

import "strconv"

// ExperienceType discriminates personalizations from experiments.
type ExperienceType string

const (
	ExperienceTypePersonalization ExperienceType = "nt_personalization"
	ExperienceTypeExperiment      ExperienceType = "nt_experiment"
)

// ExperimentTraitPrefix prefixes the profile trait that records experiment enrollment.
const ExperimentTraitPrefix = "nt_experiment_"

// ExperimentTraitKey returns the enrollment trait name for an experiment.
func ExperimentTraitKey(experienceID string) string {
	return ExperimentTraitPrefix + experienceID
}

// ExperienceConfiguration is an experience as consumed by the matching engine.
// It is immutable for the duration of a request.
type ExperienceConfiguration struct {
	ID                string                `json:"id"`
	Type              ExperienceType        `json:"type"`
	Audience          *AudienceRef          `json:"audience,omitempty"`
	TrafficAllocation float64               `json:"trafficAllocation"`
	Distribution      []VariantDistribution `json:"distribution"`
	Components        []Component           `json:"components,omitempty"`
}

// IsExperiment reports whether the experience is an A/B experiment.
func (e ExperienceConfiguration) IsExperiment() bool {
	return e.Type == ExperienceTypeExperiment
}

// IsPersonalization reports whether the experience is a personalization.
func (e ExperienceConfiguration) IsPersonalization() bool {
	return e.Type == ExperienceTypePersonalization
}

// AudienceRef references an audience by id.
type AudienceRef struct {
	ID string `json:"id"`
}

// VariantDistribution assigns the [Start, End) slice of the bucketing range to a variant.
type VariantDistribution struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Component pairs a baseline entry with its variant entries.
type Component struct {
	Baseline EntryRef     `json:"baseline"`
	Variants []VariantRef `json:"variants"`
}

// EntryRef references a content entry by id.
type EntryRef struct {
	ID string `json:"id"`
}

// VariantRef references a variant entry.
type VariantRef struct {
	ID     string `json:"id"`
	Hidden bool   `json:"hidden,omitempty"`
}

// VariantSelection is the variant chosen for one matching experience.
type VariantSelection struct {
	ExperienceID string
	VariantIndex int
}

// String renders the selection as "{experienceId}={variantIndex}".
func (s VariantSelection) String() string {
	return s.ExperienceID + "=" + strconv.Itoa(s.VariantIndex)
}
