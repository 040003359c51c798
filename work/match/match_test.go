package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain call sign", "WGN", "WGN"},
		{"lowercase", "wabc", "WABC"},
		{"tv suffix", "WABC-TV", "WABC"},
		{"dt suffix with number", "WLS-DT2", "WLS"},
		{"subchannel", "WABC 7.1", "WABC"},
		{"dotted subchannel", "WTTW.1", "WTTW"},
		{"punctuation", "W.G.N!", "WGN"},
		{"surrounding space", "  WGN  ", "WGN"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("WGN", "WGN"))
	assert.Equal(t, 0.0, Similarity("", "WGN"))
	assert.Equal(t, 0.0, Similarity("", ""))

	// one edit across four characters
	assert.InDelta(t, 0.75, Similarity("WABC", "WABD"), 0.001)

	// disjoint strings score near zero
	assert.Less(t, Similarity("WGN", "KTLA"), 0.35)
}

func TestScoreUsesTokens(t *testing.T) {
	m := New(0.8)

	// the call sign hides inside a longer display name
	assert.Equal(t, 1.0, m.Score("WGN Chicago", "WGN"))
	assert.Equal(t, 1.0, m.Score("WABC-TV New York", "WABC"))
}

func TestBestLinksAboveThreshold(t *testing.T) {
	m := New(0.8)
	signs := []string{"WABC", "WCBS", "WNBC"}

	// minor spelling variant of a known call sign links to it
	idx, score, ok := m.Best("WABC-DT", signs)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.GreaterOrEqual(t, score, 0.8)
}

func TestBestKeepsUnlinkedBelowThreshold(t *testing.T) {
	m := New(0.8)
	signs := []string{"WABC", "WCBS", "WNBC"}

	// a name resembling nothing in the lineup stays unlinked; the caller
	// keeps the entry rather than dropping it
	_, score, ok := m.Best("Telemundo Este", signs)
	assert.False(t, ok)
	assert.Less(t, score, 0.8)
}

func TestBestEmptyCandidates(t *testing.T) {
	m := New(0.5)
	idx, _, ok := m.Best("WGN", nil)
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
}

func TestThresholdBoundary(t *testing.T) {
	// WABC vs WABD scores exactly 0.75: linked at a 0.75 threshold,
	// unlinked one notch above it
	low := New(0.75)
	_, _, ok := low.Best("WABD", []string{"WABC"})
	assert.True(t, ok)

	high := New(0.76)
	_, _, ok = high.Best("WABD", []string{"WABC"})
	assert.False(t, ok)
}
