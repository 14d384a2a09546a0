package upstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
)

// StateObserver is notified when a named breaker changes state.
type StateObserver func(upstream string, state State)

// Set holds one breaker per upstream name.
type Set struct {
	mu       sync.RWMutex
	config   BreakerConfig
	breakers map[string]*Breaker
	observer StateObserver
	logger   *slog.Logger
}

// NewSet creates an empty breaker set. observer may be nil.
func NewSet(config BreakerConfig, observer StateObserver, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		config:   config,
		breakers: make(map[string]*Breaker),
		observer: observer,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *Set) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b = NewBreaker(s.config)
	b.onStateChange = func(state State) {
		s.logger.Warn("upstream circuit state changed", "upstream", name, "state", string(state))
		if s.observer != nil {
			s.observer(name, state)
		}
	}
	s.breakers[name] = b
	return b
}

// Stats returns a snapshot of every breaker keyed by upstream name.
func (s *Set) Stats() map[string]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Stats, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.Stats()
	}
	return out
}

// Names returns the registered upstream names in order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transport wraps next so calls for upstream pass through its breaker.
// Transport errors and 5xx responses count as failures.
func (s *Set) Transport(upstream string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &breakerTransport{upstream: upstream, breaker: s.Get(upstream), next: next}
}

type breakerTransport struct {
	upstream string
	breaker  *Breaker
	next     http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%s: %w", t.upstream, err)
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil && req.Context().Err() != nil {
		t.breaker.Cancel()
		return nil, err
	}
	t.breaker.Record(err == nil && resp.StatusCode < http.StatusInternalServerError)
	return resp, err
}
