// bank_matcher.go - Alias-table matching for Sri Lankan bank names

package processor

import (
	"sort"
	"strings"
)

// DefaultBankAliases maps a short key to the names a receipt may print.
func DefaultBankAliases() map[string][]string {
	return map[string][]string{
		"sampath":    {"sampath bank", "sampath bank plc", "sampath"},
		"commercial": {"commercial bank", "commercial bank of ceylon", "combank"},
		"peoples":    {"people's bank", "peoples bank", "people bank"},
		"hnb":        {"hatton national bank", "hatton national", "hnb"},
		"dfcc":       {"dfcc bank", "dfcc vardhana bank", "dfcc"},
		"seylan":     {"seylan bank", "seylan bank plc", "seylan"},
		"ndb":        {"national development bank", "ndb bank", "ndb"},
		"nsb":        {"national savings bank", "nsb"},
	}
}

// BankMatcher compares bank names by containment and an alias table.
// There is no similarity fallback: "seylan" and "sampath" are close enough
// in edit distance to be dangerous.
type BankMatcher struct {
	keys    []string
	aliases map[string][]string
}

// NewBankMatcher lower-cases the table; nil or empty uses DefaultBankAliases.
func NewBankMatcher(aliases map[string][]string) *BankMatcher {
	if len(aliases) == 0 {
		aliases = DefaultBankAliases()
	}

	normalized := make(map[string][]string, len(aliases))
	keys := make([]string, 0, len(aliases))
	for key, variants := range aliases {
		key = strings.TrimSpace(strings.ToLower(key))
		if key == "" {
			continue
		}
		for _, variant := range variants {
			variant = strings.TrimSpace(strings.ToLower(variant))
			if variant != "" {
				normalized[key] = append(normalized[key], variant)
			}
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return &BankMatcher{keys: keys, aliases: normalized}
}

// Match reports whether the bank on the receipt is the expected bank.
func (m *BankMatcher) Match(extractedBank, expectedBank string) bool {
	extracted := strings.TrimSpace(strings.ToLower(extractedBank))
	expected := strings.TrimSpace(strings.ToLower(expectedBank))
	if extracted == "" || expected == "" {
		return false
	}

	if strings.Contains(extracted, expected) || strings.Contains(expected, extracted) {
		return true
	}

	for _, key := range m.keys {
		variants := m.aliases[key]
		if strings.Contains(extracted, key) && containsAny(expected, variants) {
			return true
		}
		if strings.Contains(expected, key) && containsAny(extracted, variants) {
			return true
		}
	}

	return false
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
