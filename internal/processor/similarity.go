// similarity.go - Edit-distance similarity used by the name matchers

package processor

// Similarity returns (maxLen - distance) / maxLen over runes, in [0, 1].
// Two empty strings are identical and score 1.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1.0
	}

	distance := levenshtein(ra, rb)
	return float64(maxLen-distance) / float64(maxLen)
}

// LevenshteinDistance counts single-rune inserts, deletes and substitutions.
func LevenshteinDistance(a, b string) int {
	return levenshtein([]rune(a), []rune(b))
}

// levenshtein keeps two rows of the DP matrix instead of the full table.
func levenshtein(s1, s2 []rune) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 0
			if s1[i-1] != s2[j-1] {
				cost = 1
			}

			curr[j] = min(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(s2)]
}
