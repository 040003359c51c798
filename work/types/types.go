package types

import (
	"time"
)

// Channel represents one channel of a station's lineup as advertised to DVR
// clients, carrying both the provider-supplied identity (call sign, guide
// number, logo) and the multiplexer remap state layered on top of it.
//
// Channel values are immutable once built: a cache refresh constructs a whole
// new lineup slice and publishes it atomically, so concurrent readers never
// observe a half-updated record. Anything that needs a different channel
// (remapping, deactivation) copies the struct rather than mutating in place.
type Channel struct {
	ID          string `json:"id"`       // stable upstream identifier, also the /watch/{id} path element
	GuideNumber string `json:"channel"`  // display channel number ("4.1") as reported by the provider
	Name        string `json:"name"`     // full channel name from the provider
	CallSign    string `json:"callSign"` // broadcast call sign ("WABC"); empty when the provider has none
	Logo        string `json:"logo"`     // logo URL, best resolution the provider offered
	City        string `json:"city"`     // market city, used for M3U group titles
	Active      bool   `json:"active"`   // inactive channels are hidden from lineups but kept for /map.json

	Remapped      bool   `json:"remapped"`                // true once a multiplexer view renumbered the channel
	RemapNumber   string `json:"remapChannel,omitempty"`  // renumbered guide number; empty outside multiplexer views
	RemapCallSign string `json:"remapCallSign,omitempty"` // remapped call sign from the remap file, if any
}

// EffectiveNumber returns the remapped guide number when one is set
func (c *Channel) EffectiveNumber() string {
	if c.RemapNumber != "" {
		return c.RemapNumber
	}
	return c.GuideNumber
}

// EffectiveCallSign returns the remapped call sign when one is set, falling
// back to the channel name when the provider supplied no call sign at all
func (c *Channel) EffectiveCallSign() string {
	if c.RemapCallSign != "" {
		return c.RemapCallSign
	}
	if c.CallSign != "" {
		return c.CallSign
	}
	return c.Name
}

// ProgramEntry is one scheduled program on one channel. Entries arrive from
// the provider already ordered by start time within a channel; overlapping
// entries are tolerated and logged by the guide builder rather than rejected,
// since the non-overlap invariant belongs to the provider, not to us.
//
// ChannelID is filled by guide reconciliation: when the provider's channel
// display name fuzzy-matches a known call sign the entry links to that
// channel, otherwise ChannelID stays empty and the entry is kept unlinked.
type ProgramEntry struct {
	ChannelID   string    `json:"channelId"`   // owning channel; empty when reconciliation could not link it
	SourceName  string    `json:"sourceName"`  // provider-supplied channel display name the entry arrived under
	Title       string    `json:"title"`       // program title
	Description string    `json:"description"` // synopsis, may be empty
	Start       time.Time `json:"start"`       // program start
	Duration    int64     `json:"duration"`    // program length in seconds
	Genres      []string  `json:"genres"`      // provider genre tags
	EpisodeNum  string    `json:"episode,omitempty"`
	Season      string    `json:"season,omitempty"`
}

// Stop returns the program end time
func (p *ProgramEntry) Stop() time.Time {
	return p.Start.Add(time.Duration(p.Duration) * time.Second)
}

// Lineup is the ordered channel list for one station. Order is guide number
// ascending and stays byte-stable between refreshes so DVR clients never see
// channels shuffle between two consecutive lineup requests.
type Lineup struct {
	Channels []*Channel
}

// Active returns the channels advertised to clients
func (l *Lineup) Active() []*Channel {
	if l == nil {
		return nil
	}
	out := make([]*Channel, 0, len(l.Channels))
	for _, c := range l.Channels {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// Find returns the channel with the given id, active or not
func (l *Lineup) Find(id string) *Channel {
	if l == nil {
		return nil
	}
	for _, c := range l.Channels {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Guide is one station's program schedule keyed by channel id. Unlinked
// entries (reconciliation score below the similarity threshold) live under
// the empty key: still rendered in guide output, just not attached to a
// known channel.
type Guide struct {
	Programs map[string][]*ProgramEntry
}

// ForChannel returns the schedule for one channel id
func (g *Guide) ForChannel(id string) []*ProgramEntry {
	if g == nil || g.Programs == nil {
		return nil
	}
	return g.Programs[id]
}

// Unlinked returns entries that could not be matched to a known channel
func (g *Guide) Unlinked() []*ProgramEntry {
	if g == nil || g.Programs == nil {
		return nil
	}
	return g.Programs[""]
}

// Count returns the total number of entries across all channels
func (g *Guide) Count() int {
	if g == nil {
		return 0
	}
	n := 0
	for _, progs := range g.Programs {
		n += len(progs)
	}
	return n
}

// MarketInfo describes the geographic market a station serves, as reported
// by the provider's locate endpoint
type MarketInfo struct {
	DMA      string `json:"dma"`      // market code used in listing and guide URLs
	Name     string `json:"name"`     // human market name ("Chicago")
	Timezone string `json:"timezone"` // IANA zone name, may be empty
	Active   bool   `json:"active"`   // whether the provider currently serves this market
}
