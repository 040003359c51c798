package multiplexer

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"stream2dvr/work/cache"
	"stream2dvr/work/config"
	"stream2dvr/work/database"
	"stream2dvr/work/hdhr"
	"stream2dvr/work/logger"
	"stream2dvr/work/provider"
	"stream2dvr/work/station"
	"stream2dvr/work/types"

	"github.com/google/uuid"
)

// identityKey is the devices-table key for the multiplexer's own UUID. It
// can never collide with a station key because markets are numeric DMA codes.
const identityKey = "multiplexer"

// Redef is one channel override from the remap file. The file uses the same
// shape /map.json serves, so a dumped map can be edited and fed back in.
type Redef struct {
	OriginalCallSign string `json:"original_call_sign"`
	RemapCallSign    string `json:"remap_call_sign"`
	OriginalChannel  string `json:"original_channel"`
	RemapChannel     string `json:"remap_channel"`
	Active           bool   `json:"active"`
}

// Multiplexer presents every configured station as a single virtual device:
// one merged lineup and guide, with channel numbers rewritten so two markets
// carrying the same over-the-air number never collide. Tune requests are
// delegated to the owning station, which keeps its own slot accounting.
//
// A remap file applies only the listed overrides; everything else keeps its
// provider numbering. Without one, the remap flag shifts each station's
// numbers by 100 per station index, and with the flag off too the merged
// lineup passes through unchanged, collisions and all.
type Multiplexer struct {
	cfg      *config.Config
	registry *station.Registry
	render   *cache.RenderCache

	id       uuid.UUID
	deviceID string

	// remap is nil in renumber mode; non-nil (possibly empty) when a remap
	// file was configured
	remap map[string]Redef
}

// New builds the merged view over an already-populated registry. A remap
// file that cannot be read or parsed fails startup rather than silently
// serving unremapped channels.
func New(cfg *config.Config, registry *station.Registry, db *database.DB) (*Multiplexer, error) {
	var remap map[string]Redef
	if cfg.RemapFile != "" {
		raw, err := os.ReadFile(cfg.RemapFile)
		if err != nil {
			return nil, fmt.Errorf("reading remap file %s: %w", cfg.RemapFile, err)
		}
		if err := json.Unmarshal(raw, &remap); err != nil {
			return nil, fmt.Errorf("parsing remap file %s: %w", cfg.RemapFile, err)
		}
		logger.Info("{multiplexer/multiplexer.go - New} loaded %d channel overrides from %s", len(remap), cfg.RemapFile)
	}

	var id uuid.UUID
	if db != nil {
		var err error
		id, err = db.Identity(identityKey)
		if err != nil {
			logger.Warn("{multiplexer/multiplexer.go - New} identity store failed, deriving without persistence: %v", err)
			id = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("stream2dvr:"+identityKey))
		}
	} else {
		id = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("stream2dvr:"+identityKey))
	}

	switch {
	case remap != nil:
		logger.Info("{multiplexer/multiplexer.go - New} merging %d stations behind one device, remap file overrides", len(registry.Entries()))
	case cfg.Remap:
		logger.Info("{multiplexer/multiplexer.go - New} merging %d stations behind one device, channels will be renumbered", len(registry.Entries()))
	default:
		logger.Info("{multiplexer/multiplexer.go - New} merging %d stations behind one device, provider numbering kept", len(registry.Entries()))
	}

	return &Multiplexer{
		cfg:      cfg,
		registry: registry,
		render:   cache.NewRenderCache(cfg.CacheDuration, cfg.CacheEnabled),
		id:       id,
		deviceID: hdhr.DeviceID(id.String()),
		remap:    remap,
	}, nil
}

// UUID returns the stable device UUID of the merged device
func (m *Multiplexer) UUID() string {
	return m.id.String()
}

// DeviceID returns the checksummed HDHomeRun device id
func (m *Multiplexer) DeviceID() string {
	return m.deviceID
}

// FriendlyName returns the device name shown by DVR clients
func (m *Multiplexer) FriendlyName() string {
	return "Multiplexer"
}

// City returns the display name used where stations report their market
func (m *Multiplexer) City() string {
	return "Multiplexer"
}

// Market returns a synthetic market descriptor for the merged device
func (m *Multiplexer) Market() *types.MarketInfo {
	return &types.MarketInfo{DMA: "000", Name: "Multiplexer", Active: true}
}

// Geo returns an empty override; the merged device has no location of its own
func (m *Multiplexer) Geo() provider.Geo {
	return provider.Geo{}
}

// TunerCount returns the advertised slot count. The merged device reports
// the configured default; real capacity is enforced per owning station.
func (m *Multiplexer) TunerCount() int {
	return m.cfg.TunerCount
}

// SlotsInUse returns the total held slots across all stations
func (m *Multiplexer) SlotsInUse() int {
	n := 0
	for _, e := range m.registry.Entries() {
		n += e.SlotsInUse()
	}
	return n
}

// Render returns the render cache for the merged device's text surfaces
func (m *Multiplexer) Render() *cache.RenderCache {
	return m.render
}

// Lineup returns the merged, remapped channel list. Channels appear in
// station order, each station's channels in its own lineup order, so the
// merged view is as stable as its inputs.
func (m *Multiplexer) Lineup() *types.Lineup {
	lineup, _, _ := m.LineupSnapshot()
	return lineup
}

// LineupSnapshot returns the merged lineup with the newest underlying
// snapshot time. ok is true when at least one station has data; stations
// that have never refreshed simply contribute nothing.
func (m *Multiplexer) LineupSnapshot() (*types.Lineup, time.Time, bool) {
	merged := &types.Lineup{}
	var latest time.Time
	ok := false
	for _, e := range m.registry.Entries() {
		lineup, when, has := e.LineupSnapshot()
		if !has || lineup == nil {
			continue
		}
		ok = true
		if when.After(latest) {
			latest = when
		}
		for _, c := range lineup.Channels {
			merged.Channels = append(merged.Channels, m.remapChannel(e.Index(), c))
		}
	}
	return merged, latest, ok
}

// Guide returns the merged schedule across all stations
func (m *Multiplexer) Guide() *types.Guide {
	guide, _, _ := m.GuideSnapshot()
	return guide
}

// GuideSnapshot merges every station's guide. Channel ids are globally
// unique upstream, so only the unlinked bucket receives entries from more
// than one station; those concatenate in station order.
func (m *Multiplexer) GuideSnapshot() (*types.Guide, time.Time, bool) {
	merged := &types.Guide{Programs: make(map[string][]*types.ProgramEntry)}
	var latest time.Time
	ok := false
	for _, e := range m.registry.Entries() {
		guide, when, has := e.GuideSnapshot()
		if !has || guide == nil {
			continue
		}
		ok = true
		if when.After(latest) {
			latest = when
		}
		for key, list := range guide.Programs {
			merged.Programs[key] = append(merged.Programs[key], list...)
		}
	}
	return merged, latest, ok
}

// FindChannel resolves a channel id to its owning station. Tune paths go
// through here so the owner's slot counter sees every admission.
func (m *Multiplexer) FindChannel(id string) (*station.Entry, *types.Channel, bool) {
	return m.registry.FindChannel(id)
}

// remapChannel returns a remapped copy of c; the station's own lineup is
// never mutated. In override mode inactive and unlisted channels pass
// through unchanged, and with neither a remap file nor the remap flag the
// copy is untouched.
func (m *Multiplexer) remapChannel(stationIndex int, c *types.Channel) *types.Channel {
	out := *c

	if m.remap != nil {
		if r, ok := m.remap["channel."+c.ID]; ok && r.Active {
			out.Remapped = true
			out.RemapNumber = r.RemapChannel
			out.RemapCallSign = r.RemapChannel + " " + r.RemapCallSign
			logger.Debug("{multiplexer/multiplexer.go - remapChannel} remap %s %s => %s %s",
				c.GuideNumber, c.EffectiveCallSign(), out.RemapNumber, out.RemapCallSign)
		}
		return &out
	}

	if !m.cfg.Remap {
		return &out
	}

	if n, renumbered := renumber(c.GuideNumber, stationIndex); renumbered {
		out.Remapped = true
		out.RemapNumber = n
	} else {
		logger.Warn("{multiplexer/multiplexer.go - remapChannel} cannot renumber channel %s (%q), keeping provider number", c.ID, c.GuideNumber)
	}
	return &out
}

// renumber shifts a guide number by 100 per station index, handling both
// whole ("13") and subchannel ("4.1") numbers
func renumber(number string, stationIndex int) (string, bool) {
	if n, err := strconv.Atoi(number); err == nil {
		return strconv.Itoa(n + 100*stationIndex), true
	}
	if f, err := strconv.ParseFloat(number, 64); err == nil {
		return strconv.FormatFloat(f+100*float64(stationIndex), 'f', -1, 64), true
	}
	return "", false
}
