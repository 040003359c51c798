package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"stream2dvr/work/cache"
	"stream2dvr/work/config"
	"stream2dvr/work/hdhr"
	"stream2dvr/work/logger"
	"stream2dvr/work/middleware"
	"stream2dvr/work/proxy"
	"stream2dvr/work/station"
	"stream2dvr/work/types"
	"stream2dvr/work/utils"
	"stream2dvr/work/xmltv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// networks are the broadcast networks that get the extra ";Network" group
// tag in the M3U export
var networks = []string{"ABC", "CBS", "NBC", "FOX", "CW", "PBS"}

// Source is the read surface one router serves: a single station entry or
// the multiplexer's merged view of all of them. Tune requests resolve the
// owning station through FindChannel so slot accounting always lands on the
// entry that holds the tuner slots.
type Source interface {
	UUID() string
	FriendlyName() string
	TunerCount() int
	Lineup() *types.Lineup
	LineupSnapshot() (*types.Lineup, time.Time, bool)
	Guide() *types.Guide
	GuideSnapshot() (*types.Guide, time.Time, bool)
	Render() *cache.RenderCache
	FindChannel(id string) (*station.Entry, *types.Channel, bool)
}

// NewRouter builds the full route surface for one virtual tuner. Discovery
// and metadata endpoints are gzip negotiated; stream and segment routes are
// registered bare so nothing buffers the media path. The watch routes are
// ordered so the playlist extensions match before the bare continuous route.
func NewRouter(cfg *config.Config, src Source, p *proxy.Proxy) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestLog)

	router.HandleFunc("/", HandleDeviceXML(cfg, src)).Methods("GET")
	router.HandleFunc("/device.xml", HandleDeviceXML(cfg, src)).Methods("GET")
	router.HandleFunc("/discover.json", HandleDiscover(cfg, src)).Methods("GET")
	router.HandleFunc("/lineup_status.json", HandleLineupStatus()).Methods("GET")
	router.HandleFunc("/lineup.json", middleware.Gzip(HandleLineup(src))).Methods("GET")
	router.HandleFunc("/lineup.xml", middleware.Gzip(HandleLineupXML(src))).Methods("GET")
	router.HandleFunc("/lineup.post", HandleLineupPost()).Methods("POST")
	router.HandleFunc("/epg.xml", middleware.Gzip(HandleEPGXML(src))).Methods("GET")
	router.HandleFunc("/epg", middleware.Gzip(HandleEPG(src))).Methods("GET")
	router.HandleFunc("/tuner.m3u", middleware.Gzip(HandleTunerM3U(cfg, src))).Methods("GET")
	router.HandleFunc("/map.json", middleware.Gzip(HandleMap(src))).Methods("GET")
	router.HandleFunc("/config", middleware.Gzip(HandleConfig(cfg))).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/watch/{id}.m3u8", HandleWatchPlaylist(src, p)).Methods("GET")
	router.HandleFunc("/watch/{id}.m3u", HandleWatchPlaylist(src, p)).Methods("GET")
	router.HandleFunc("/watch/{id}", HandleWatch(src, p)).Methods("GET")
	router.HandleFunc("/segment/{session}/{token}", HandleSegment(p)).Methods("GET")

	return router
}

// tunerDevice assembles the discovery view of a source as reached through
// the request host, since BaseURL must reflect the address the client used
func tunerDevice(src Source, host string) hdhr.Device {
	return hdhr.Device{
		FriendlyName: src.FriendlyName(),
		UUID:         src.UUID(),
		TunerCount:   src.TunerCount(),
		Host:         host,
	}
}

// writeJSON writes v as an application/json response
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers.go - writeJSON} encode failed: %v", err)
	}
}

// HandleDeviceXML serves the UPnP device description at / and /device.xml
func HandleDeviceXML(cfg *config.Config, src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := hdhr.DeviceXML(&buf, cfg, tunerDevice(src, utils.RequestHost(r))); err != nil {
			logger.Error("{handlers/handlers.go - HandleDeviceXML} render failed: %v", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		w.Write(buf.Bytes())
	}
}

// HandleDiscover serves /discover.json
func HandleDiscover(cfg *config.Config, src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hdhr.Discover(cfg, tunerDevice(src, utils.RequestHost(r))))
	}
}

// HandleLineupStatus serves /lineup_status.json. The emulator never scans,
// so the steady idle document is the only state clients ever see.
func HandleLineupStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hdhr.StatusIdle())
	}
}

// HandleLineup serves /lineup.json: active channels only, ordering stable
// between refreshes. An unpopulated cache yields an empty array because DVR
// clients treat a 5xx here as a dead tuner.
func HandleLineup(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hdhr.Lineup(src.Lineup().Active(), utils.RequestHost(r)))
	}
}

// HandleLineupXML serves the XML rendition of the lineup
func HandleLineupXML(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := hdhr.LineupXML(&buf, hdhr.Lineup(src.Lineup().Active(), utils.RequestHost(r))); err != nil {
			logger.Error("{handlers/handlers.go - HandleLineupXML} render failed: %v", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		w.Write(buf.Bytes())
	}
}

// HandleLineupPost acknowledges lineup scan requests without doing anything;
// lineups refresh on their own schedule
func HandleLineupPost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleEPGXML serves the XMLTV guide. Rendered bodies are cached keyed on
// the snapshot publish times, so a republished lineup or guide naturally
// invalidates the cached document.
func HandleEPGXML(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineup, lt, _ := src.LineupSnapshot()
		guide, gt, _ := src.GuideSnapshot()
		key := fmt.Sprintf("epg.xml/%d/%d", lt.UnixNano(), gt.UnixNano())

		w.Header().Set("Content-Type", "text/xml")
		if body, ok := src.Render().Get(key); ok {
			io.WriteString(w, body)
			return
		}

		var buf bytes.Buffer
		if err := xmltv.Render(&buf, lineup.Active(), guide); err != nil {
			logger.Error("{handlers/handlers.go - HandleEPGXML} render failed: %v", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		src.Render().Set(key, buf.String())
		w.Write(buf.Bytes())
	}
}

// epgChannel is one row of the /epg JSON dump: the channel with its
// schedule embedded
type epgChannel struct {
	*types.Channel
	Listings []*types.ProgramEntry `json:"listings"`
}

// HandleEPG serves the guide snapshot as plain JSON, the debugging surface:
// every channel in memory, active or not, with its listings attached
func HandleEPG(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineup := src.Lineup()
		guide := src.Guide()

		var channels []*types.Channel
		if lineup != nil {
			channels = lineup.Channels
		}
		out := make([]epgChannel, 0, len(channels))
		for _, c := range channels {
			listings := guide.ForChannel(c.ID)
			if listings == nil {
				listings = []*types.ProgramEntry{}
			}
			out = append(out, epgChannel{Channel: c, Listings: listings})
		}
		writeJSON(w, out)
	}
}

// HandleTunerM3U serves the M3U export of the lineup. The body embeds the
// request host in every stream URL, so the render cache key carries the host
// alongside the snapshot time.
func HandleTunerM3U(cfg *config.Config, src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := utils.RequestHost(r)
		lineup, lt, _ := src.LineupSnapshot()
		key := fmt.Sprintf("tuner.m3u/%s/%d", host, lt.UnixNano())

		w.Header().Set("Content-Type", "application/x-mpegURL")
		if body, ok := src.Render().Get(key); ok {
			io.WriteString(w, body)
			return
		}

		body := buildM3U(cfg, lineup.Active(), host)
		src.Render().Set(key, body)
		io.WriteString(w, body)
	}
}

// buildM3U renders the playlist document for the active channels. Remapped
// numbers and call signs take precedence over the provider's originals, and
// multiplexed exports suffix the display name with the market city so merged
// lineups stay tellable apart.
func buildM3U(cfg *config.Config, channels []*types.Channel, host string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, c := range channels {
		sign := c.EffectiveCallSign()
		groups := c.City
		if slices.Contains(networks, sign) {
			groups = c.City + ";Network"
		}
		display := sign
		if cfg.Multiplex {
			display = fmt.Sprintf("%s (%s)", sign, c.City)
		}
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=\"channel.%s\" tvg-name=\"%s\" tvg-logo=\"%s\" tvg-chno=\"%s\" group-title=\"%s\", %s",
			c.ID, sign, c.Logo, c.EffectiveNumber(), groups, display)
		fmt.Fprintf(&b, "\nhttp://%s/watch/%s.m3u8\n\n", host, c.ID)
	}
	return b.String()
}

// mapEntry is one row of /map.json, also the record shape of the
// multiplexer's remap override file
type mapEntry struct {
	OriginalCallSign string `json:"original_call_sign"`
	RemapCallSign    string `json:"remap_call_sign"`
	OriginalChannel  string `json:"original_channel"`
	RemapChannel     string `json:"remap_channel"`
	City             string `json:"city"`
	Active           bool   `json:"active"`
	Remapped         bool   `json:"remapped"`
}

// HandleMap serves /map.json: every channel in memory keyed "channel.{id}",
// inactive ones included, with remap fields falling back to the originals.
// Saving this document and editing it is how a remap file gets made.
func HandleMap(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineup := src.Lineup()
		var channels []*types.Channel
		if lineup != nil {
			channels = lineup.Channels
		}

		out := make(map[string]mapEntry, len(channels))
		for _, c := range channels {
			remapSign := c.CallSign
			if c.RemapCallSign != "" {
				remapSign = c.RemapCallSign
			}
			out[fmt.Sprintf("channel.%s", c.ID)] = mapEntry{
				OriginalCallSign: c.CallSign,
				RemapCallSign:    remapSign,
				OriginalChannel:  c.GuideNumber,
				RemapChannel:     c.EffectiveNumber(),
				City:             c.City,
				Active:           c.Active,
				Remapped:         c.Remapped,
			}
		}
		writeJSON(w, out)
	}
}

// HandleConfig serves the running configuration with the upstream password
// masked unless the request carries the show_password query
func HandleConfig(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfg.Masked(r.URL.Query().Has("show_password")))
	}
}

// HandleWatchPlaylist serves /watch/{id}.m3u8 and its .m3u alias: playlist
// mode tuning delegated to the channel's owning station
func HandleWatchPlaylist(src Source, p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		owner, _, ok := src.FindChannel(id)
		if !ok {
			logger.Debug("{handlers/handlers.go - HandleWatchPlaylist} unknown channel %s", id)
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		p.ServePlaylist(w, r, owner, id)
	}
}

// HandleWatch serves /watch/{id}: the continuous MPEG-TS relay
func HandleWatch(src Source, p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		owner, _, ok := src.FindChannel(id)
		if !ok {
			logger.Debug("{handlers/handlers.go - HandleWatch} unknown channel %s", id)
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		p.ServeContinuous(w, r, owner, id)
	}
}

// HandleSegment serves /segment/{session}/{token}: one playlist-mode media
// fetch proxied through the session that minted the token
func HandleSegment(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		p.ServeSegment(w, r, vars["session"], vars["token"])
	}
}
