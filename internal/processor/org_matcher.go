// org_matcher.go - Fuzzy matching for the legal names of receiving organizations

package processor

import "strings"

// DefaultNameSimilarityThreshold is the similarity a name pair must exceed
// when neither cleaned name contains the other.
const DefaultNameSimilarityThreshold = 0.8

// organizationNoise is removed as plain substrings, in this order, so
// "organization" goes before "org" gets a chance to split it.
var organizationNoise = []string{
	"ltd", "limited", "pvt", "foundation", "charity", "organization", "org",
}

// OrganizationMatcher compares the account holder on a receipt with the
// organization's registered account name.
type OrganizationMatcher struct {
	threshold float64
}

// NewOrganizationMatcher builds a matcher; a threshold outside (0, 1] falls
// back to DefaultNameSimilarityThreshold.
func NewOrganizationMatcher(threshold float64) *OrganizationMatcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultNameSimilarityThreshold
	}
	return &OrganizationMatcher{threshold: threshold}
}

// Match reports whether the two names refer to the same organization.
func (m *OrganizationMatcher) Match(extractedName, expectedName string) bool {
	extracted := CleanOrganizationName(extractedName)
	expected := CleanOrganizationName(expectedName)

	// A name made only of noise cleans to "", which every name contains.
	if strings.Contains(extracted, expected) || strings.Contains(expected, extracted) {
		return true
	}

	return Similarity(extracted, expected) > m.threshold
}

// CleanOrganizationName lower-cases, trims and strips legal-entity noise.
// Removal is substring based, so "orgill" loses its "org" too.
func CleanOrganizationName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	for _, token := range organizationNoise {
		name = strings.ReplaceAll(name, token, "")
	}
	return strings.TrimSpace(name)
}
