// Package trust classifies media references against the registry of
// trusted news sources and yields the quorum bonus they earn.
package trust

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	cache "github.com/patrickmn/go-cache"

	"quorumchain/pkg/fault"
)

// SourceType groups domains that share a trust level and multiplier.
type SourceType struct {
	Domains         []string `json:"domains" toml:"domains"`
	TrustLevel      float64  `json:"trust_level" toml:"trust_level"`
	BonusMultiplier float64  `json:"bonus_multiplier" toml:"bonus_multiplier"`
}

// Bonus is the result of classifying one reference.
type Bonus struct {
	SourceType string  `json:"source_type"`
	Domain     string  `json:"domain"`
	TrustLevel float64 `json:"trust_level"`
	Multiplier float64 `json:"multiplier"`
}

// DefaultSources is the built-in source table.
func DefaultSources() map[string]SourceType {
	return map[string]SourceType{
		"newspapers": {
			Domains:         []string{"yle.fi", "hsl.fi", "hs.fi", "vaalit.fi"},
			TrustLevel:      0.9,
			BonusMultiplier: 0.6,
		},
		"international": {
			Domains:         []string{"bbc.com", "reuters.com", "apnews.com"},
			TrustLevel:      0.85,
			BonusMultiplier: 0.65,
		},
		"online_media": {
			Domains:         []string{"mtv.fi", "ilta-sanomat.fi", "verkkolehti.fi"},
			TrustLevel:      0.7,
			BonusMultiplier: 0.7,
		},
		"community": {
			Domains:         []string{"paikallislehti.fi", "kylayhteiso.net", "kuntalehti.fi"},
			TrustLevel:      0.6,
			BonusMultiplier: 0.8,
		},
	}
}

const (
	cacheTTL     = 5 * time.Minute
	cacheCleanup = 10 * time.Minute
)

type cachedBonus struct {
	bonus      Bonus
	found      bool
	generation uint64
}

// Registry holds the trusted-source table. Lookups are cached by
// normalised domain and tagged with the table generation they were made
// against, so a lookup racing a Replace never serves the old table.
type Registry struct {
	mu         sync.RWMutex
	sources    map[string]SourceType
	index      map[string]string // domain -> source type
	generation uint64
	cache      *cache.Cache
}

// NewRegistry validates sources and builds a registry over them.
func NewRegistry(sources map[string]SourceType) (*Registry, error) {
	r := &Registry{cache: cache.New(cacheTTL, cacheCleanup)}
	if err := r.Replace(sources); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates and installs a new table. On error the previous table
// stays in place.
func (r *Registry) Replace(sources map[string]SourceType) error {
	index, err := buildIndex(sources)
	if err != nil {
		return err
	}

	copied := make(map[string]SourceType, len(sources))
	for name, st := range sources {
		st.Domains = append([]string(nil), st.Domains...)
		copied[name] = st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = copied
	r.index = index
	r.generation++
	r.cache.Flush()
	return nil
}

func buildIndex(sources map[string]SourceType) (map[string]string, error) {
	if len(sources) == 0 {
		return nil, fault.Config("trusted_sources", "at least one source type is required")
	}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	index := make(map[string]string)
	for _, name := range names {
		st := sources[name]
		field := "trusted_sources." + name
		if len(st.Domains) == 0 {
			return nil, fault.Config(field+".domains", "must not be empty")
		}
		if st.TrustLevel < 0 || st.TrustLevel > 1 {
			return nil, fault.Config(field+".trust_level", "must be within [0,1]")
		}
		if st.BonusMultiplier <= 0 || st.BonusMultiplier > 1 {
			return nil, fault.Config(field+".bonus_multiplier", "must be within (0,1]")
		}
		for _, d := range st.Domains {
			domain := NormalizeDomain(d)
			if domain == "" {
				return nil, fault.Config(field+".domains", fmt.Sprintf("invalid domain %q", d))
			}
			if prev, dup := index[domain]; dup {
				return nil, fault.Config(field+".domains", fmt.Sprintf("%s already listed under %s", domain, prev))
			}
			index[domain] = name
		}
	}
	return index, nil
}

// Classify maps a reference (URL or bare domain) to its source bonus.
// Subdomains match their registered parent.
func (r *Registry) Classify(reference string) (Bonus, bool) {
	domain := NormalizeDomain(reference)
	if domain == "" {
		return Bonus{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if hit, ok := r.cache.Get(domain); ok {
		if c := hit.(cachedBonus); c.generation == r.generation {
			return c.bonus, c.found
		}
	}

	bonus, found := r.lookupLocked(domain)
	r.cache.Set(domain, cachedBonus{bonus: bonus, found: found, generation: r.generation}, cache.DefaultExpiration)
	return bonus, found
}

func (r *Registry) lookupLocked(domain string) (Bonus, bool) {
	for candidate := domain; candidate != ""; {
		if name, ok := r.index[candidate]; ok {
			st := r.sources[name]
			return Bonus{
				SourceType: name,
				Domain:     candidate,
				TrustLevel: st.TrustLevel,
				Multiplier: st.BonusMultiplier,
			}, true
		}
		dot := strings.IndexByte(candidate, '.')
		if dot < 0 {
			break
		}
		candidate = candidate[dot+1:]
	}
	return Bonus{}, false
}

// Best returns the strongest bonus (lowest multiplier) among references.
func (r *Registry) Best(references []string) (Bonus, bool) {
	var best Bonus
	found := false
	for _, ref := range references {
		b, ok := r.Classify(ref)
		if !ok {
			continue
		}
		if !found || b.Multiplier < best.Multiplier ||
			(b.Multiplier == best.Multiplier && b.TrustLevel > best.TrustLevel) {
			best, found = b, true
		}
	}
	return best, found
}

// Sources returns a copy of the current table.
func (r *Registry) Sources() map[string]SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]SourceType, len(r.sources))
	for k, v := range r.sources {
		v.Domains = append([]string(nil), v.Domains...)
		out[k] = v
	}
	return out
}

// LoadFile reads a JSON or TOML trusted-source file.
func LoadFile(path string) (map[string]SourceType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &fault.ConfigError{Field: path, Reason: "failed to read trusted sources", Cause: err}
	}
	sources := make(map[string]SourceType)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &sources); err != nil {
			return nil, &fault.ConfigError{Field: path, Reason: "failed to parse toml", Cause: err}
		}
	} else if err := json.Unmarshal(data, &sources); err != nil {
		return nil, &fault.ConfigError{Field: path, Reason: "failed to parse json", Cause: err}
	}
	if _, err := buildIndex(sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// NormalizeDomain lowercases a reference and strips scheme, credentials,
// port, path and a leading "www.".
func NormalizeDomain(reference string) string {
	ref := strings.ToLower(strings.TrimSpace(reference))
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return ""
		}
		ref = u.Hostname()
	} else {
		if i := strings.IndexAny(ref, "/?#"); i >= 0 {
			ref = ref[:i]
		}
		if i := strings.LastIndexByte(ref, '@'); i >= 0 {
			ref = ref[i+1:]
		}
		if i := strings.IndexByte(ref, ':'); i >= 0 {
			ref = ref[:i]
		}
	}
	ref = strings.TrimSuffix(strings.TrimPrefix(ref, "www."), ".")
	if !strings.Contains(ref, ".") {
		return ""
	}
	return ref
}
