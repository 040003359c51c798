package match

import (
	"strings"

	"github.com/grafana/regexp"
)

// Guide reconciliation: the provider's guide entries arrive under display
// names ("WGN Chicago 9.1", "WABC-DT") that rarely equal the lineup's call
// signs byte-for-byte. The matcher normalizes both sides, scores similarity
// with a Levenshtein ratio, and links only above a configured threshold.
// Below-threshold entries stay unlinked rather than being guessed onto the
// wrong channel.

var (
	// broadcast suffixes carried by call signs but not by guide names
	suffixRe = regexp.MustCompile(`(?i)[-\s](TV|DT|HD|SD|LD|CD|LP)\d*$`)
	// trailing subchannel numbers: "WABC 7.1" -> "WABC"
	subchannelRe = regexp.MustCompile(`[\s.]\d+(\.\d+)?$`)
	// anything that is not a letter or digit
	nonAlnumRe = regexp.MustCompile(`[^A-Z0-9 ]+`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Normalize reduces a call sign or guide display name to its comparable
// core: uppercase, broadcast suffixes and subchannel numbers stripped,
// punctuation removed, whitespace collapsed.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = suffixRe.ReplaceAllString(s, "")
	s = subchannelRe.ReplaceAllString(s, "")
	s = nonAlnumRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Similarity returns a 0..1 score for two already-normalized strings:
// 1 - levenshtein/maxlen. Two empty strings score 0, not 1, so blank
// provider names never link to anything.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	dist := levenshtein(a, b)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return 1 - float64(dist)/float64(longest)
}

// levenshtein computes edit distance with the two-row DP formulation
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// Matcher scores provider display names against known call signs
type Matcher struct {
	threshold float64
}

// New creates a Matcher with the given similarity cutoff
func New(threshold float64) *Matcher {
	return &Matcher{threshold: threshold}
}

// Threshold returns the configured cutoff
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Score returns the similarity between a provider display name and one call
// sign. The whole name is scored, and so is each whitespace token normalized
// on its own ("WABC-TV New York" still hits "WABC" even though the suffix
// sits mid-string); the best of those wins.
func (m *Matcher) Score(name, callSign string) float64 {
	normSign := Normalize(callSign)

	best := Similarity(Normalize(name), normSign)
	for _, tok := range strings.Fields(name) {
		if s := Similarity(Normalize(tok), normSign); s > best {
			best = s
		}
	}
	return best
}

// Best returns the index of the best-scoring candidate and whether that
// score clears the threshold. When nothing clears it, ok is false and the
// caller keeps the entry unlinked.
func (m *Matcher) Best(name string, candidates []string) (idx int, score float64, ok bool) {
	idx = -1
	for i, cand := range candidates {
		if s := m.Score(name, cand); s > score {
			score = s
			idx = i
		}
	}
	return idx, score, idx >= 0 && score >= m.threshold
}
