package station

import (
	"context"
	"sync/atomic"
	"time"

	"stream2dvr/work/cache"
	"stream2dvr/work/config"
	"stream2dvr/work/database"
	"stream2dvr/work/hdhr"
	"stream2dvr/work/logger"
	"stream2dvr/work/match"
	"stream2dvr/work/metrics"
	"stream2dvr/work/provider"
	"stream2dvr/work/types"

	"github.com/google/uuid"
)

// Entry is one configured market's virtual tuner: device identity, channel
// and guide snapshots, and the tuner slot counter. Entries are built once
// at startup and live for the process lifetime; everything mutable inside
// them is independently synchronized, so two stations never contend.
type Entry struct {
	cfg     *config.Config
	station config.StationConfig
	index   int
	geo     provider.Geo

	id       uuid.UUID
	deviceID string

	provider *provider.Client
	matcher  *match.Matcher

	// market is resolved from the provider's locate endpoint; nil until the
	// first successful refresh when locate failed at startup
	market atomic.Pointer[types.MarketInfo]

	lineup *cache.Snapshot[*types.Lineup]
	guide  *cache.Snapshot[*types.Guide]
	render *cache.RenderCache

	slots int32
	inUse atomic.Int32

	lineupRefreshing atomic.Bool
	guideRefreshing  atomic.Bool
}

// NewEntry builds the entry for one configured station. The device UUID
// comes from the identity store so DVR clients see the same device across
// restarts; when the store is unavailable the entry falls back to the same
// deterministic derivation the store would have used.
func NewEntry(cfg *config.Config, st config.StationConfig, index int, p *provider.Client, m *match.Matcher, db *database.DB) *Entry {
	slots := int32(st.TunerCount)
	if slots <= 0 {
		slots = int32(cfg.TunerCount)
	}

	var id uuid.UUID
	if db != nil {
		var err error
		id, err = db.Identity(st.Market)
		if err != nil {
			logger.Warn("{station/station.go - NewEntry} identity store failed for %s, deriving without persistence: %v", st.Market, err)
			id = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("stream2dvr:"+st.Market))
		}
	} else {
		id = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("stream2dvr:"+st.Market))
	}

	return &Entry{
		cfg:     cfg,
		station: st,
		index:   index,
		geo: provider.Geo{
			ZipCode:   st.ZipCode,
			Latitude:  st.Latitude,
			Longitude: st.Longitude,
		},
		id:       id,
		deviceID: hdhr.DeviceID(id.String()),
		provider: p,
		matcher:  m,
		lineup:   cache.NewSnapshot[*types.Lineup](cfg.ChannelTTL),
		guide:    cache.NewSnapshot[*types.Guide](cfg.GuideTTL),
		render:   cache.NewRenderCache(cfg.CacheDuration, cfg.CacheEnabled),
		slots:    slots,
	}
}

// MarketID returns the configured market identifier
func (e *Entry) MarketID() string {
	return e.station.Market
}

// Index returns the station's position in config order
func (e *Entry) Index() int {
	return e.index
}

// Port returns the port this station's HTTP server listens on
func (e *Entry) Port() int {
	return e.cfg.StationPort(e.index)
}

// Geo returns the station's geographic override
func (e *Entry) Geo() provider.Geo {
	return e.geo
}

// UUID returns the stable device UUID
func (e *Entry) UUID() string {
	return e.id.String()
}

// DeviceID returns the checksummed HDHomeRun device id
func (e *Entry) DeviceID() string {
	return e.deviceID
}

// Market returns the resolved market descriptor, nil before the first
// successful locate
func (e *Entry) Market() *types.MarketInfo {
	return e.market.Load()
}

// City returns the market display name for M3U group titles
func (e *Entry) City() string {
	if m := e.market.Load(); m != nil {
		return m.Name
	}
	return ""
}

// FriendlyName returns the device name shown by DVR clients
func (e *Entry) FriendlyName() string {
	if e.station.FriendlyName != "" {
		return e.station.FriendlyName
	}
	if m := e.market.Load(); m != nil && m.Name != "" {
		return m.Name
	}
	return e.station.Market
}

// TunerCount returns the advertised slot count
func (e *Entry) TunerCount() int {
	return int(e.slots)
}

// SlotsInUse returns the current number of held slots
func (e *Entry) SlotsInUse() int {
	return int(e.inUse.Load())
}

// AcquireSlot claims a tuner slot if one is free. The compare and swap
// loop keeps the in-use count at or below the slot limit no matter how
// many tune requests race.
func (e *Entry) AcquireSlot() bool {
	for {
		cur := e.inUse.Load()
		if cur >= e.slots {
			return false
		}
		if e.inUse.CompareAndSwap(cur, cur+1) {
			metrics.SlotsInUse.WithLabelValues(e.MarketID()).Set(float64(cur + 1))
			return true
		}
	}
}

// ReleaseSlot frees a held slot. Never drops below zero, so a stray
// double release cannot corrupt admission.
func (e *Entry) ReleaseSlot() {
	for {
		cur := e.inUse.Load()
		if cur <= 0 {
			return
		}
		if e.inUse.CompareAndSwap(cur, cur-1) {
			metrics.SlotsInUse.WithLabelValues(e.MarketID()).Set(float64(cur - 1))
			return
		}
	}
}

// Lineup returns the current lineup snapshot, nil when never populated
func (e *Entry) Lineup() *types.Lineup {
	return e.lineup.Value()
}

// LineupSnapshot returns the lineup with its fetch time, for render cache
// keys that must invalidate on republish
func (e *Entry) LineupSnapshot() (*types.Lineup, time.Time, bool) {
	return e.lineup.Get()
}

// GuideSnapshot returns the guide with its fetch time
func (e *Entry) GuideSnapshot() (*types.Guide, time.Time, bool) {
	return e.guide.Get()
}

// Guide returns the current guide snapshot, nil when never populated
func (e *Entry) Guide() *types.Guide {
	return e.guide.Value()
}

// Channel resolves a channel id against the current lineup
func (e *Entry) Channel(id string) *types.Channel {
	return e.Lineup().Find(id)
}

// FindChannel resolves a channel id to its owning entry, which for a single
// station is always the entry itself. Mirrors the registry-wide lookup so
// per-station and merged HTTP surfaces share one resolution shape.
func (e *Entry) FindChannel(id string) (*Entry, *types.Channel, bool) {
	c := e.Channel(id)
	if c == nil {
		return nil, nil, false
	}
	return e, c, true
}

// Render returns the station's rendered-document cache
func (e *Entry) Render() *cache.RenderCache {
	return e.render
}

// MintWatchURL mints a fresh upstream playlist URL for one of this
// station's channels, applying the station's geographic override.
func (e *Entry) MintWatchURL(ctx context.Context, channelID string) (string, error) {
	return e.provider.WatchURL(ctx, channelID, e.geo)
}

// RefreshLineup refreshes the channel lineup from the provider. A refresh
// already in flight makes this a no-op so slow upstreams never stack
// refresh goroutines.
func (e *Entry) RefreshLineup(ctx context.Context) error {
	if !e.lineupRefreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.lineupRefreshing.Store(false)
	return e.refresh(ctx, 1, "lineup")
}

// RefreshGuide refreshes the guide (and, since the provider couples them,
// the lineup too) with the configured guide depth.
func (e *Entry) RefreshGuide(ctx context.Context) error {
	if !e.guideRefreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.guideRefreshing.Store(false)
	return e.refresh(ctx, e.cfg.GuideDays, "guide")
}

// refresh fetches channel documents and publishes new snapshots. On any
// failure the previous snapshots stay published and keep serving; the
// failure surfaces only in the log and the refresh counter.
//
// A lineup-grade refresh (days == 1) publishes only the lineup: its
// listings are a one-day subset and must not shrink a deeper guide
// snapshot published earlier.
func (e *Entry) refresh(ctx context.Context, days int, kind string) error {
	if err := e.ensureMarket(ctx); err != nil {
		metrics.CacheRefresh.WithLabelValues(e.MarketID(), kind, "error").Inc()
		logger.Warn("{station/station.go - refresh} market lookup failed for %s: %v", e.MarketID(), err)
		return err
	}
	m := e.market.Load()

	docs, err := e.provider.Channels(ctx, m.DMA, days)
	if err != nil {
		metrics.CacheRefresh.WithLabelValues(e.MarketID(), kind, "error").Inc()
		logger.Warn("{station/station.go - refresh} %s refresh failed for %s, keeping previous snapshot: %v", kind, e.MarketID(), err)
		return err
	}

	lineup := buildLineup(docs, m.Name)
	e.lineup.Publish(lineup)

	if kind == "guide" {
		guide := buildGuide(lineup, docs, e.matcher)
		e.guide.Publish(guide)
		logger.Info("{station/station.go - refresh} %s: %d channels, %d guide entries", e.MarketID(), len(lineup.Channels), guide.Count())
	} else {
		logger.Debug("{station/station.go - refresh} %s: %d channels", e.MarketID(), len(lineup.Channels))
	}

	metrics.CacheRefresh.WithLabelValues(e.MarketID(), kind, "ok").Inc()

	return nil
}

// ensureMarket resolves the market via the provider's locate endpoint once
// and caches it for the entry lifetime
func (e *Entry) ensureMarket(ctx context.Context) error {
	if e.market.Load() != nil {
		return nil
	}
	info, err := e.provider.Locate(ctx, e.geo)
	if err != nil {
		return err
	}
	if !info.Active {
		logger.Warn("{station/station.go - ensureMarket} provider reports market %s (%s) inactive", info.DMA, info.Name)
	}
	e.market.Store(info)
	return nil
}
