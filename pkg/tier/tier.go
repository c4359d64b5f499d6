// Package tier implements the subscription tier hierarchy and the feature
// gating decision used on both sides of the network boundary. The server-side
// guard built on this package is authoritative; clients may import the same
// package (or fetch GET /auth/tiers) to pre-compute UI state, but a client
// decision must never be the sole enforcement point.
package tier

import (
	"fmt"
	"sort"
	"strings"
)

// Tier describes one subscription level. Levels are strictly increasing and
// totally ordered; access is monotonic in level.
type Tier struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Level    int      `json:"level"`
	Features []string `json:"features"`
}

// Config is an immutable tier table plus a feature -> minimum-tier map.
// Build it once at startup and pass it explicitly; there is no package-level
// state.
type Config struct {
	tiers      map[string]Tier
	ordered    []Tier
	featureMin map[string]string
	aliases    map[string]string
}

// New validates and builds a Config. Tier levels must be unique and strictly
// positive, and every feature mapping and alias must reference a known tier.
func New(tiers []Tier, featureMin map[string]string, aliases map[string]string) (Config, error) {
	byID := make(map[string]Tier, len(tiers))
	seenLevels := make(map[int]string, len(tiers))
	for _, t := range tiers {
		id := strings.ToLower(strings.TrimSpace(t.ID))
		if id == "" {
			return Config{}, fmt.Errorf("tier with empty id")
		}
		if t.Level <= 0 {
			return Config{}, fmt.Errorf("tier %q has non-positive level %d", id, t.Level)
		}
		if other, dup := seenLevels[t.Level]; dup {
			return Config{}, fmt.Errorf("tiers %q and %q share level %d", other, id, t.Level)
		}
		if _, dup := byID[id]; dup {
			return Config{}, fmt.Errorf("duplicate tier id %q", id)
		}
		t.ID = id
		byID[id] = t
		seenLevels[t.Level] = id
	}

	ordered := make([]Tier, 0, len(byID))
	for _, t := range byID {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Level < ordered[j].Level })

	normalizedMin := make(map[string]string, len(featureMin))
	for feature, id := range featureMin {
		id = strings.ToLower(id)
		if _, ok := byID[id]; !ok {
			return Config{}, fmt.Errorf("feature %q requires unknown tier %q", feature, id)
		}
		normalizedMin[feature] = id
	}

	normalizedAliases := make(map[string]string, len(aliases))
	for legacy, id := range aliases {
		id = strings.ToLower(id)
		if _, ok := byID[id]; !ok {
			return Config{}, fmt.Errorf("alias %q maps to unknown tier %q", legacy, id)
		}
		normalizedAliases[strings.ToLower(legacy)] = id
	}

	return Config{
		tiers:      byID,
		ordered:    ordered,
		featureMin: normalizedMin,
		aliases:    normalizedAliases,
	}, nil
}

// Default returns the production tier table.
func Default() Config {
	cfg, err := New(
		[]Tier{
			{ID: "basic", Name: "Basic", Level: 1, Features: []string{
				"leads.manage", "buyers.manage", "deals.manage", "leads.import_csv",
			}},
			{ID: "pro", Name: "Pro", Level: 2, Features: []string{
				"contracts.esign", "analytics.dashboard", "deals.export_csv", "campaigns.sms",
			}},
			{ID: "enterprise", Name: "Enterprise", Level: 3, Features: []string{
				"deals.bulk_export", "api.access", "team.seats",
			}},
		},
		map[string]string{
			"contracts.esign":     "pro",
			"analytics.dashboard": "pro",
			"deals.export_csv":    "pro",
			"campaigns.sms":       "pro",
			"deals.bulk_export":   "enterprise",
			"api.access":          "enterprise",
			"team.seats":          "enterprise",
		},
		map[string]string{
			// Historical spellings kept only for MigrateLegacyName and
			// Normalize of not-yet-migrated rows; new writes always use
			// canonical IDs.
			"premium":   "pro",
			"starter":   "basic",
			"free":      "basic",
			"unlimited": "enterprise",
		},
	)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Normalize resolves a stored tier value to its canonical Tier. Matching is
// case-insensitive against canonical IDs and the explicit legacy alias table;
// anything else fails closed. There is deliberately no fuzzy matching.
func (c Config) Normalize(raw string) (Tier, bool) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if t, ok := c.tiers[id]; ok {
		return t, true
	}
	if canonical, ok := c.aliases[id]; ok {
		return c.tiers[canonical], true
	}
	return Tier{}, false
}

// MigrateLegacyName maps a historical tier spelling to its canonical ID for
// one-time data migrations. Canonical IDs map to themselves.
func (c Config) MigrateLegacyName(raw string) (string, bool) {
	t, ok := c.Normalize(raw)
	if !ok {
		return "", false
	}
	return t.ID, true
}

// HasAccess reports whether the given tier may use the feature. A feature
// without a mapping is available to every tier; an unknown tier is denied
// any mapped feature.
func (c Config) HasAccess(tierID, feature string) bool {
	requiredID, mapped := c.featureMin[feature]
	if !mapped {
		return true
	}
	t, ok := c.Normalize(tierID)
	if !ok {
		return false
	}
	return t.Level >= c.tiers[requiredID].Level
}

// RequiredTier returns the minimum tier a feature is mapped to.
func (c Config) RequiredTier(feature string) (Tier, bool) {
	id, ok := c.featureMin[feature]
	if !ok {
		return Tier{}, false
	}
	return c.tiers[id], true
}

// UpgradeOptions returns every tier with a level strictly greater than the
// current tier's, ascending. An unknown current tier yields every tier.
func (c Config) UpgradeOptions(tierID string) []Tier {
	current, known := c.Normalize(tierID)
	options := make([]Tier, 0, len(c.ordered))
	for _, t := range c.ordered {
		if !known || t.Level > current.Level {
			options = append(options, t)
		}
	}
	return options
}

// Tiers returns the full table ascending by level.
func (c Config) Tiers() []Tier {
	out := make([]Tier, len(c.ordered))
	copy(out, c.ordered)
	return out
}
