// Package filter implements the per-session admission gates applied to
// normalized envelopes before they reach the buffer.
package filter

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/cdp_observer/internal/types"
)

// DefaultMaxBodyBytes is the text and body truncation budget used when a
// configuration leaves MaxBodyBytes unset.
const DefaultMaxBodyBytes = 64000

// Config is a complete filter configuration. It is replaced as a whole.
type Config struct {
	Kinds        []types.Category `json:"kinds" yaml:"kinds" doc:"Event categories to admit (console, log, network). Empty admits all."`
	URLAllowlist []string         `json:"urlAllowlist" yaml:"url_allowlist" doc:"URL substrings to admit. Empty admits all."`
	URLBlocklist []string         `json:"urlBlocklist" yaml:"url_blocklist" doc:"URL substrings to reject. Checked before the allowlist."`
	MaxBodyBytes int              `json:"maxBodyBytes" yaml:"max_body_bytes" doc:"Byte budget for text and body fields. 0 uses the default."`
}

// Normalize validates c and returns a copy with kinds folded to categories,
// empty list entries dropped and nil slices replaced by empty ones.
func (c Config) Normalize() (Config, error) {
	if c.MaxBodyBytes < 0 {
		return Config{}, fmt.Errorf("maxBodyBytes must be >= 0")
	}
	out := Config{
		Kinds:        make([]types.Category, 0, len(c.Kinds)),
		URLAllowlist: compact(c.URLAllowlist),
		URLBlocklist: compact(c.URLBlocklist),
		MaxBodyBytes: c.MaxBodyBytes,
	}
	seen := make(map[types.Category]bool, len(c.Kinds))
	for _, k := range c.Kinds {
		cat, ok := ParseCategory(string(k))
		if !ok {
			return Config{}, fmt.Errorf("unknown kind %q", k)
		}
		if !seen[cat] {
			seen[cat] = true
			out.Kinds = append(out.Kinds, cat)
		}
	}
	return out, nil
}

// BodyBudget returns the effective truncation budget.
func (c Config) BodyBudget() int {
	if c.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return c.MaxBodyBytes
}

// WithDefaults fills the budget so callers see the effective value.
func (c Config) WithDefaults() Config {
	out := c
	out.MaxBodyBytes = c.BodyBudget()
	if out.Kinds == nil {
		out.Kinds = []types.Category{}
	}
	if out.URLAllowlist == nil {
		out.URLAllowlist = []string{}
	}
	if out.URLBlocklist == nil {
		out.URLBlocklist = []string{}
	}
	return out
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	return Config{
		Kinds:        append([]types.Category(nil), c.Kinds...),
		URLAllowlist: append([]string(nil), c.URLAllowlist...),
		URLBlocklist: append([]string(nil), c.URLBlocklist...),
		MaxBodyBytes: c.MaxBodyBytes,
	}
}

// AdmitsCategory is the kind gate. It can be evaluated before normalization.
func (c Config) AdmitsCategory(cat types.Category) bool {
	if len(c.Kinds) == 0 {
		return true
	}
	for _, k := range c.Kinds {
		if k == cat {
			return true
		}
	}
	return false
}

// AdmitsURL is the URL gate. The blocklist wins over the allowlist.
func (c Config) AdmitsURL(url string) bool {
	if url == "" {
		return true
	}
	for _, deny := range c.URLBlocklist {
		if strings.Contains(url, deny) {
			return false
		}
	}
	if len(c.URLAllowlist) == 0 {
		return true
	}
	for _, allow := range c.URLAllowlist {
		if strings.Contains(url, allow) {
			return true
		}
	}
	return false
}

// Admit reports whether env passes both gates.
func (c Config) Admit(env *types.Envelope) bool {
	return c.AdmitsCategory(env.Kind().Category()) && c.AdmitsURL(env.URL())
}

// ParseCategory accepts a category name or a variant kind name.
func ParseCategory(s string) (types.Category, bool) {
	switch s {
	case string(types.CategoryConsole):
		return types.CategoryConsole, true
	case string(types.CategoryLog):
		return types.CategoryLog, true
	case string(types.CategoryNetwork):
		return types.CategoryNetwork, true
	}
	if cat := types.Kind(s).Category(); cat != "" {
		return cat, true
	}
	return "", false
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
