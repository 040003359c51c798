package station

import (
	"sort"
	"strconv"

	"stream2dvr/work/logger"
	"stream2dvr/work/match"
	"stream2dvr/work/provider"
	"stream2dvr/work/types"

	regexp "github.com/grafana/regexp"
)

// callSignRe splits provider call signs of the "7.1 ABC" form into the
// guide number and the bare sign
var callSignRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s+(.+)$`)

// splitCallSign extracts the guide number and bare call sign from one
// channel document. The provider either supplies the number directly in
// the channel field or folds it into the call sign prefix.
func splitCallSign(doc *provider.StationDoc) (number, sign string) {
	sign = doc.CallSign
	if m := callSignRe.FindStringSubmatch(doc.CallSign); m != nil {
		number = m[1]
		sign = m[2]
	}
	if doc.Channel != "" {
		number = doc.Channel
	}
	if sign == "" {
		sign = doc.Name
	}
	return number, sign
}

// buildLineup converts provider channel documents into a lineup, ordered
// by guide number ascending. Ordering is numeric-aware (4.1 before 10.1)
// and stable, so two refreshes of identical upstream data render the same
// lineup bytes.
func buildLineup(docs []provider.StationDoc, city string) *types.Lineup {
	channels := make([]*types.Channel, 0, len(docs))

	for i := range docs {
		doc := &docs[i]
		id := strconv.FormatInt(doc.ID, 10)

		number, sign := splitCallSign(doc)
		if number == "" {
			// No usable guide number anywhere; the upstream id is at least
			// unique and stable
			number = id
			logger.Debug("{station/lineup.go - buildLineup} no guide number for %s, using id %s", doc.Name, id)
		}

		channels = append(channels, &types.Channel{
			ID:          id,
			GuideNumber: number,
			Name:        doc.Name,
			CallSign:    sign,
			Logo:        doc.Logo(),
			City:        city,
			Active:      doc.Active,
		})
	}

	sort.SliceStable(channels, func(i, j int) bool {
		return lessGuideNumber(channels[i].GuideNumber, channels[j].GuideNumber)
	})

	return &types.Lineup{Channels: channels}
}

// lessGuideNumber orders guide numbers numerically when both parse,
// numbers before non-numbers, lexically otherwise
func lessGuideNumber(a, b string) bool {
	fa, ea := strconv.ParseFloat(a, 64)
	fb, eb := strconv.ParseFloat(b, 64)
	switch {
	case ea == nil && eb == nil:
		if fa != fb {
			return fa < fb
		}
		return a < b
	case ea == nil:
		return true
	case eb == nil:
		return false
	default:
		return a < b
	}
}

// buildGuide splits the program listings out of the channel documents into
// a guide keyed by channel id. Documents whose id is part of the lineup
// link directly; guide-only documents are reconciled against known call
// signs with the fuzzy matcher, and entries that score below the threshold
// are kept under the empty key rather than dropped.
func buildGuide(lineup *types.Lineup, docs []provider.StationDoc, matcher *match.Matcher) *types.Guide {
	programs := make(map[string][]*types.ProgramEntry)

	signs := make([]string, len(lineup.Channels))
	for i, c := range lineup.Channels {
		signs[i] = c.EffectiveCallSign()
	}

	for i := range docs {
		doc := &docs[i]

		display := doc.CallSign
		if display == "" {
			display = doc.Name
		}

		target := lineup.Find(strconv.FormatInt(doc.ID, 10))
		if target == nil && matcher != nil {
			if idx, score, ok := matcher.Best(display, signs); ok {
				target = lineup.Channels[idx]
				logger.Debug("{station/lineup.go - buildGuide} linked guide feed %q to %s (score %.2f)", display, target.CallSign, score)
			} else {
				logger.Debug("{station/lineup.go - buildGuide} keeping %d entries from %q unlinked (best score %.2f)", len(doc.Listings), display, score)
			}
		}

		key := ""
		if target != nil {
			key = target.ID
		}

		for j := range doc.Listings {
			l := &doc.Listings[j]
			entry := &types.ProgramEntry{
				ChannelID:   key,
				SourceName:  display,
				Title:       l.Title,
				Description: l.Description,
				Start:       l.Start(),
				Duration:    l.Duration,
				Genres:      l.GenreList(),
			}
			if l.EpisodeNumber > 0 {
				entry.EpisodeNum = strconv.Itoa(l.EpisodeNumber)
			}
			if l.SeasonNumber > 0 {
				entry.Season = strconv.Itoa(l.SeasonNumber)
			}
			programs[key] = append(programs[key], entry)
		}
	}

	for key, list := range programs {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Start.Before(list[j].Start)
		})
		// Overlaps are the provider's problem; note them and move on
		for k := 1; k < len(list); k++ {
			if list[k].Start.Before(list[k-1].Stop()) {
				logger.Debug("{station/lineup.go - buildGuide} overlapping entries on channel %q: %q / %q", key, list[k-1].Title, list[k].Title)
			}
		}
	}

	return &types.Guide{Programs: programs}
}
