// Package filter decides which hub entities are ingested. Its first
// job is keeping readings this system published from being read back
// in through the hub.
package filter

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
)

// Decision is the outcome of evaluating one entity, with the rule that
// decided it.
type Decision struct {
	Admit  bool
	Reason string
}

// Filter evaluates admission rules. Decisions are cached per entity id
// for the life of the Filter and are not revisited when the entity's
// state changes; build a new Filter to re-evaluate.
type Filter struct {
	mode                 string
	includeDomains       map[string]bool
	includeDeviceClasses map[string]bool
	excludeIntegrations  map[string]bool
	excludeManufacturers map[string]bool
	excludeEntities      map[string]bool
	includeEntities      map[string]bool
	includeGlobs         []*regexp.Regexp
	excludePatterns      []*regexp.Regexp

	metadata *homeassistant.Metadata
	logger   *slog.Logger

	mu        sync.Mutex
	decisions map[string]bool
}

// New builds a filter from configuration. metadata may be nil, in which
// case the manufacturer and integration rules are skipped. An exclude
// pattern that does not compile is an error.
func New(cfg config.FilterConfig, metadata *homeassistant.Metadata, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{
		mode:                 cfg.Mode,
		includeDomains:       set(cfg.IncludeDomains, false),
		includeDeviceClasses: set(cfg.IncludeDeviceClasses, true),
		excludeIntegrations:  set(cfg.ExcludeIntegrations, true),
		excludeManufacturers: set(cfg.ExcludeManufacturers, true),
		excludeEntities:      set(cfg.ExcludeEntities, false),
		includeEntities:      set(cfg.IncludeEntities, false),
		metadata:             metadata,
		logger:               logger,
		decisions:            make(map[string]bool),
	}

	for _, p := range cfg.ExcludeEntityPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		f.excludePatterns = append(f.excludePatterns, re)
	}
	for _, g := range cfg.IncludeEntities {
		if strings.Contains(g, "*") {
			f.includeGlobs = append(f.includeGlobs, compileGlob(g))
		}
	}
	return f, nil
}

func set(items []string, lower bool) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		if lower {
			s = strings.ToLower(s)
		}
		m[s] = true
	}
	return m
}

// compileGlob turns a pattern where * matches any run of characters
// into a case-insensitive regexp anchored at both ends.
func compileGlob(glob string) *regexp.Regexp {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("(?i)^" + strings.Join(parts, ".*") + "$")
}

// ShouldIngest reports whether the entity is admitted. The first call
// for an entity id fixes the answer for this Filter.
func (f *Filter) ShouldIngest(entityID string, st *homeassistant.State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if admit, ok := f.decisions[entityID]; ok {
		return admit
	}
	d := f.Evaluate(entityID, st)
	f.decisions[entityID] = d.Admit
	if !d.Admit {
		f.logger.Debug("entity filtered", "entity_id", entityID, "reason", d.Reason)
	}
	return d.Admit
}

// Evaluate applies the rules without consulting or updating the cache.
func (f *Filter) Evaluate(entityID string, st *homeassistant.State) Decision {
	if f.mode == config.FilterAllowlist {
		if f.matchesInclude(entityID) {
			return Decision{true, "allowlisted"}
		}
		return Decision{false, "not in allowlist"}
	}

	if f.includeEntities[entityID] {
		if d, ok := checkState(st); !ok {
			return Decision{false, "explicitly included but " + d}
		}
		return Decision{true, "explicitly included"}
	}

	if f.excludeEntities[entityID] {
		return Decision{false, "explicitly excluded"}
	}

	for _, re := range f.excludePatterns {
		if re.MatchString(entityID) {
			return Decision{false, "matches exclude pattern " + strings.TrimPrefix(re.String(), "(?i)")}
		}
	}

	if f.metadata != nil {
		info := f.metadata.Lookup(entityID)
		if m := strings.ToLower(info.Manufacturer); m != "" && f.excludeManufacturers[m] {
			return Decision{false, "excluded manufacturer " + m}
		}
		if p := strings.ToLower(info.Platform); p != "" && f.excludeIntegrations[p] {
			return Decision{false, "excluded integration " + p}
		}
	}

	if len(f.includeDomains) > 0 {
		if domain := homeassistant.Domain(entityID); !f.includeDomains[domain] {
			return Decision{false, "domain " + domain + " not included"}
		}
	}

	if len(f.includeDeviceClasses) > 0 {
		dc := strings.ToLower(st.DeviceClass())
		if dc == "" || !f.includeDeviceClasses[dc] {
			return Decision{false, "device class " + dc + " not included"}
		}
	}

	if d, ok := checkState(st); !ok {
		return Decision{false, d}
	}
	return Decision{true, "admitted"}
}

func checkState(st *homeassistant.State) (string, bool) {
	if st.IsSentinel() {
		state := ""
		if st != nil {
			state = st.State
		}
		return fmt.Sprintf("invalid state %q", state), false
	}
	if _, ok := st.Value(); !ok {
		return fmt.Sprintf("non-numeric state %q", st.State), false
	}
	return "", true
}

func (f *Filter) matchesInclude(entityID string) bool {
	if f.includeEntities[entityID] {
		return true
	}
	for _, re := range f.includeGlobs {
		if re.MatchString(entityID) {
			return true
		}
	}
	return false
}

// Stats summarises cached decisions.
type Stats struct {
	Included  int
	Excluded  int
	Evaluated int
}

// Stats returns counts over the decision cache.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s Stats
	for _, admit := range f.decisions {
		if admit {
			s.Included++
		} else {
			s.Excluded++
		}
	}
	s.Evaluated = len(f.decisions)
	return s
}
