// Package policy holds rate limit policies keyed by industry and route
// class, with atomic hot reload. Resolution never fails: an unconfigured
// combination falls back to a conservative built-in default instead of
// failing open.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openlimit/api/internal/limiter"
	"github.com/openlimit/api/pkg/logger"
)

// Policy is one resolved rate limit configuration. Read-only outside
// this package.
type Policy struct {
	Scope         limiter.Scope
	IndustryTag   string
	RouteClass    string
	BaseRate      int
	BurstRate     int
	WindowSeconds int
}

// Window returns the window length as a duration.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// BuiltinDefault is applied when neither the document's defaults nor any
// entry matches. Deliberately conservative: resolution must never fail
// open just because configuration is missing.
var BuiltinDefault = Policy{
	BaseRate:      30,
	BurstRate:     60,
	WindowSeconds: 60,
}

// Entry is one policy record in the YAML document.
type Entry struct {
	IndustryTag   string `yaml:"industry_tag"`
	RouteClass    string `yaml:"route_class"`
	Scope         string `yaml:"scope" validate:"required"`
	BaseRate      int    `yaml:"base_rate" validate:"gte=1"`
	BurstRate     int    `yaml:"burst_rate" validate:"gtefield=BaseRate"`
	WindowSeconds int    `yaml:"window_seconds" validate:"gte=1"`
}

// Document is the reloadable policy file format.
type Document struct {
	Defaults struct {
		BaseRate      int `yaml:"base_rate" validate:"gte=1"`
		BurstRate     int `yaml:"burst_rate" validate:"gtefield=BaseRate"`
		WindowSeconds int `yaml:"window_seconds" validate:"gte=1"`
	} `yaml:"defaults"`
	Policies []Entry `yaml:"policies"`
}

// snapshot is an immutable resolved policy set. Readers always see a
// complete snapshot; reload swaps the whole pointer.
type snapshot struct {
	exact    map[string]Policy // industry|route|scope
	industry map[string]Policy // industry|scope
	defaults Policy            // scope filled in at resolution time
	version  int64
}

// Store resolves policies and supports atomic hot reconfiguration.
type Store struct {
	current  atomic.Pointer[snapshot]
	validate *validator.Validate
	log      *logger.Logger
}

// NewStore creates a Store seeded with the built-in default so it is
// usable before the first load.
func NewStore(log *logger.Logger) *Store {
	s := &Store{
		validate: validator.New(),
		log:      log,
	}
	s.current.Store(&snapshot{
		exact:    map[string]Policy{},
		industry: map[string]Policy{},
		defaults: BuiltinDefault,
	})
	return s
}

// LoadFile reads and applies a policy document from disk.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	return s.Load(data)
}

// Load parses, validates and atomically applies a policy document.
// In-flight resolutions keep using the previous snapshot; a document
// that fails validation leaves the current snapshot untouched.
func (s *Store) Load(data []byte) error {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy document: %w", err)
	}

	if doc.Defaults.WindowSeconds == 0 && doc.Defaults.BaseRate == 0 {
		return errors.New("policy document missing defaults entry")
	}
	if err := s.validate.Struct(&doc); err != nil {
		return fmt.Errorf("invalid policy defaults: %w", err)
	}

	next := &snapshot{
		exact:    make(map[string]Policy, len(doc.Policies)),
		industry: make(map[string]Policy),
		defaults: Policy{
			BaseRate:      doc.Defaults.BaseRate,
			BurstRate:     doc.Defaults.BurstRate,
			WindowSeconds: doc.Defaults.WindowSeconds,
		},
		version: s.current.Load().version + 1,
	}

	for i, entry := range doc.Policies {
		if err := s.validate.Struct(&entry); err != nil {
			return fmt.Errorf("invalid policy entry %d: %w", i, err)
		}
		scope, err := limiter.ParseScope(entry.Scope)
		if err != nil {
			return fmt.Errorf("invalid policy entry %d: %w", i, err)
		}
		p := Policy{
			Scope:         scope,
			IndustryTag:   entry.IndustryTag,
			RouteClass:    entry.RouteClass,
			BaseRate:      entry.BaseRate,
			BurstRate:     entry.BurstRate,
			WindowSeconds: entry.WindowSeconds,
		}
		if entry.RouteClass == "" {
			next.industry[industryKey(entry.IndustryTag, scope)] = p
		} else {
			next.exact[exactKey(entry.IndustryTag, entry.RouteClass, scope)] = p
		}
	}

	s.current.Store(next)
	s.log.Info("policy set loaded",
		"version", next.version,
		"exact_entries", len(next.exact),
		"industry_entries", len(next.industry),
	)
	return nil
}

// Resolve returns the policy for (industryTag, routeClass, scope),
// falling back exact match, industry default, document defaults, then
// the built-in default. It never returns "no policy".
func (s *Store) Resolve(industryTag, routeClass string, scope limiter.Scope) Policy {
	snap := s.current.Load()

	if p, ok := snap.exact[exactKey(industryTag, routeClass, scope)]; ok {
		return p
	}
	if p, ok := snap.industry[industryKey(industryTag, scope)]; ok {
		return p
	}

	p := snap.defaults
	p.Scope = scope
	p.IndustryTag = industryTag
	p.RouteClass = routeClass
	return p
}

// Windows returns the distinct window lengths configured for a scope,
// document defaults included, sorted ascending. Bucket indices depend on
// the window, so a counter reset has to clear every window an entry for
// the scope could have charged under.
func (s *Store) Windows(scope limiter.Scope) []time.Duration {
	snap := s.current.Load()

	seen := map[int]struct{}{snap.defaults.WindowSeconds: {}}
	for _, p := range snap.exact {
		if p.Scope == scope {
			seen[p.WindowSeconds] = struct{}{}
		}
	}
	for _, p := range snap.industry {
		if p.Scope == scope {
			seen[p.WindowSeconds] = struct{}{}
		}
	}

	windows := make([]time.Duration, 0, len(seen))
	for secs := range seen {
		windows = append(windows, time.Duration(secs)*time.Second)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
	return windows
}

// Version returns the monotonically increasing snapshot version, used by
// the health endpoint and tests.
func (s *Store) Version() int64 {
	return s.current.Load().version
}

func exactKey(industry, route string, scope limiter.Scope) string {
	return industry + "|" + route + "|" + string(scope)
}

func industryKey(industry string, scope limiter.Scope) string {
	return industry + "|" + string(scope)
}
