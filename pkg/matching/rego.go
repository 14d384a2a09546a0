package matching

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-edge/pkg/domain"
)

// DefaultAudienceEntrypoint is the rule consulted when none is configured.
const DefaultAudienceEntrypoint = "edge/audience/match"

// RegoOptions configures a RegoAudienceEvaluator.
type RegoOptions struct {
	// Entrypoint is the decision path, e.g. "edge/audience/match".
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
}

// RegoAudienceEvaluator evaluates audience membership with an embedded OPA
// module. The rule receives {"audience": id, "profile": {...}} as input and
// must produce a boolean; an undefined result counts as not in the audience.
type RegoAudienceEvaluator struct {
	entrypoint  string
	moduleOrder []string
	parsed      map[string]*ast.Module

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

var _ AudienceEvaluator = (*RegoAudienceEvaluator)(nil)

// NewRegoAudienceEvaluator parses the modules and prepares the entrypoint so
// syntax errors surface at startup.
func NewRegoAudienceEvaluator(ctx context.Context, opts RegoOptions) (*RegoAudienceEvaluator, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = DefaultAudienceEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("audience evaluator requires at least one rego module")
	}

	order := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		order = append(order, name)
	}
	sort.Strings(order)

	parsed := make(map[string]*ast.Module, len(order))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	e := &RegoAudienceEvaluator{
		entrypoint:  entry,
		moduleOrder: order,
		parsed:      parsed,
		queries:     make(map[string]*rego.PreparedEvalQuery),
	}
	if _, err := e.preparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return e, nil
}

// LoadRegoAudienceEvaluator reads a single module from disk.
func LoadRegoAudienceEvaluator(ctx context.Context, path, entrypoint string) (*RegoAudienceEvaluator, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audience policy: %w", err)
	}
	return NewRegoAudienceEvaluator(ctx, RegoOptions{
		Entrypoint: entrypoint,
		Modules:    map[string]string{filepath.Base(path): string(src)},
	})
}

// InAudience implements AudienceEvaluator.
func (e *RegoAudienceEvaluator) InAudience(ctx context.Context, audienceID string, profile *domain.Profile) (bool, error) {
	prepared, err := e.preparedQuery(ctx, e.entrypoint)
	if err != nil {
		return false, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(regoInput(audienceID, profile)))
	if err != nil {
		return false, fmt.Errorf("audience decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("audience decision: expected bool, got %T", v)
	}
}

func (e *RegoAudienceEvaluator) preparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(e.moduleOrder)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsed[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

func regoInput(audienceID string, profile *domain.Profile) map[string]any {
	p := map[string]any{}
	if profile != nil {
		audiences := make([]any, 0, len(profile.Audiences))
		for _, a := range profile.Audiences {
			audiences = append(audiences, a)
		}
		traits := make(map[string]any, len(profile.Traits))
		for k, v := range profile.Traits {
			traits[k] = v
		}
		p = map[string]any{
			"id":        profile.ID,
			"audiences": audiences,
			"traits":    traits,
			"random":    profile.Random,
			"location": map[string]any{
				"city":         profile.Location.City,
				"postal_code":  profile.Location.PostalCode,
				"region":       profile.Location.Region,
				"region_code":  profile.Location.RegionCode,
				"country":      profile.Location.Country,
				"country_code": profile.Location.CountryCode,
				"continent":    profile.Location.Continent,
				"timezone":     profile.Location.Timezone,
			},
		}
	}
	return map[string]any{
		"audience": audienceID,
		"profile":  p,
	}
}
