package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/types"
)

// ProfileConfig seeds the filters of sessions whose target URL contains
// URLPattern.
type ProfileConfig struct {
	Name         string   `yaml:"name"`
	URLPattern   string   `yaml:"url_pattern"`
	Kinds        []string `yaml:"kinds,omitempty"`
	URLAllowlist []string `yaml:"url_allowlist,omitempty"`
	URLBlocklist []string `yaml:"url_blocklist,omitempty"`
	MaxBodyBytes int      `yaml:"max_body_bytes,omitempty"`
}

// Profiles is the top-level YAML configuration.
type Profiles struct {
	Profiles []ProfileConfig `yaml:"profiles"`
}

// LoadProfiles reads and validates a filter profile YAML file.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filter profiles: %w", err)
	}
	var cfg Profiles
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("filter profiles: %w", err)
	}
	for i, p := range cfg.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("filter profiles: profile[%d] missing name", i)
		}
		if p.URLPattern == "" {
			return nil, fmt.Errorf("filter profiles: profile[%d] (%s) missing url_pattern", i, p.Name)
		}
		if _, err := p.Filter().Normalize(); err != nil {
			return nil, fmt.Errorf("filter profiles: profile[%d] (%s): %w", i, p.Name, err)
		}
	}
	return &cfg, nil
}

// Filter converts the profile to a filter configuration.
func (p ProfileConfig) Filter() filter.Config {
	kinds := make([]types.Category, 0, len(p.Kinds))
	for _, k := range p.Kinds {
		kinds = append(kinds, types.Category(k))
	}
	return filter.Config{
		Kinds:        kinds,
		URLAllowlist: p.URLAllowlist,
		URLBlocklist: p.URLBlocklist,
		MaxBodyBytes: p.MaxBodyBytes,
	}
}

// Match returns the filters of the first profile whose url_pattern is
// contained in targetURL. A nil receiver matches nothing.
func (p *Profiles) Match(targetURL string) (filter.Config, bool) {
	if p == nil {
		return filter.Config{}, false
	}
	for _, prof := range p.Profiles {
		if strings.Contains(targetURL, prof.URLPattern) {
			return prof.Filter(), true
		}
	}
	return filter.Config{}, false
}
