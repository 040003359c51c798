package handlers

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream2dvr/work/buffer"
	"stream2dvr/work/client"
	"stream2dvr/work/config"
	"stream2dvr/work/hdhr"
	"stream2dvr/work/match"
	"stream2dvr/work/multiplexer"
	"stream2dvr/work/provider"
	"stream2dvr/work/proxy"
	"stream2dvr/work/station"
	"stream2dvr/work/types"
)

func routerConfig() *config.Config {
	return &config.Config{
		Username:        "user@example.com",
		Password:        "secret",
		UserAgent:       "test-agent",
		ChannelTTL:      time.Minute,
		GuideTTL:        time.Hour,
		GuideDays:       1,
		TokenLifetime:   time.Hour,
		UpstreamTimeout: 5 * time.Second,
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		RateLimit:       1000,
		MatchThreshold:  0.8,
		TunerCount:      2,
		SessionTimeout:  time.Minute,
		CacheDuration:   time.Minute,
		DeviceModel:     "HDTC-2US",
		DeviceFirmware:  "hdhomeruntc_atsc",
		DeviceVersion:   "20170930",
		Stations: []config.StationConfig{
			{Market: "602", ZipCode: "60601"},
		},
	}
}

// fakeHLS serves one static media playlist and its segments. Static means
// the continuous relay runs out of unplayed segments and ends cleanly.
func fakeHLS(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/live.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n"+
				"#EXT-X-VERSION:3\n"+
				"#EXT-X-TARGETDURATION:1\n"+
				"#EXT-X-MEDIA-SEQUENCE:0\n"+
				"#EXTINF:0.010,\n"+
				"seg1.ts\n"+
				"#EXTINF:0.010,\n"+
				"seg2.ts\n")
		case "/seg1.ts":
			w.Header().Set("Content-Type", "video/mp2t")
			w.Write([]byte("AAAA"))
		case "/seg2.ts":
			w.Header().Set("Content-Type", "video/mp2t")
			w.Write([]byte("BBBB"))
		default:
			t.Errorf("unexpected HLS request: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeAPI serves the provider surface for two markets. Chicago carries an
// inactive shopping channel so the hidden-versus-mapped split is testable.
func fakeAPI(t *testing.T, streamURL string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/user/login":
			w.Write([]byte(`{"token": "tok-1"}`))
		case r.URL.Path == "/watch/dma/zip/60601":
			w.Write([]byte(`{"DMA": "602", "name": "Chicago", "active": true}`))
		case r.URL.Path == "/watch/dma/zip/10001":
			w.Write([]byte(`{"DMA": "501", "name": "New York", "active": true}`))
		case r.URL.Path == "/watch/epg/602":
			w.Write([]byte(`[
				{"id": 100, "name": "WBBM", "callSign": "2.1 CBS", "active": true,
				 "logoUrl": "http://logo.example/cbs.png",
				 "listings": [{"airdate": 1700000000000, "duration": 1800,
				               "title": "News at Ten", "description": "Local news", "genres": "News"}]},
				{"id": 101, "name": "NBC 5", "callSign": "5.1 WMAQ", "active": true,
				 "logoUrl": "http://logo.example/nbc.png"},
				{"id": 102, "name": "WSHP", "callSign": "7.1 SHOP", "active": false,
				 "logoUrl": "http://logo.example/shop.png"}
			]`))
		case r.URL.Path == "/watch/epg/501":
			w.Write([]byte(`[
				{"id": 200, "name": "WCBS", "callSign": "2.1 CBS", "active": true,
				 "logoUrl": "http://logo.example/wcbs.png"}
			]`))
		case strings.HasPrefix(r.URL.Path, "/watch/station/"):
			fmt.Fprintf(w, `{"streamUrl": %q}`, streamURL)
		default:
			t.Errorf("unexpected API request: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestSource builds one refreshed station entry against the fake provider
func newTestSource(t *testing.T, cfg *config.Config, streamURL string) *station.Entry {
	t.Helper()
	cfg.APIBaseURL = fakeAPI(t, streamURL).URL
	hc := client.NewHeaderSettingClient(cfg)
	prov := provider.NewClient(cfg, hc, provider.NewSession(cfg, hc))
	e := station.NewEntry(cfg, cfg.Stations[0], 0, prov, match.New(cfg.MatchThreshold), nil)
	require.NoError(t, e.RefreshGuide(context.Background()))
	return e
}

// newTestServer serves a full router over the source
func newTestServer(t *testing.T, cfg *config.Config, src Source) *httptest.Server {
	t.Helper()
	hc := client.NewHeaderSettingClient(cfg)
	p := proxy.New(cfg, hc, buffer.NewBufferPool(64*1024))
	srv := httptest.NewServer(NewRouter(cfg, src, p))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestDeviceXMLRoutes(t *testing.T) {
	cfg := routerConfig()
	e := newTestSource(t, cfg, "")
	srv := newTestServer(t, cfg, e)

	resp, body := get(t, srv.URL+"/device.xml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "<friendlyName>Chicago</friendlyName>")
	assert.Contains(t, body, "<modelName>HDTC-2US</modelName>")
	assert.Contains(t, body, "uuid:"+e.UUID())
	assert.Contains(t, body, "http://"+strings.TrimPrefix(srv.URL, "http://"))

	// the root path serves the identical document
	respRoot, bodyRoot := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, respRoot.StatusCode)
	assert.Equal(t, body, bodyRoot)
}

func TestDiscoverReflectsRequestHost(t *testing.T) {
	cfg := routerConfig()
	e := newTestSource(t, cfg, "")
	srv := newTestServer(t, cfg, e)
	host := strings.TrimPrefix(srv.URL, "http://")

	resp, body := get(t, srv.URL+"/discover.json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var d hdhr.DiscoverData
	require.NoError(t, json.Unmarshal([]byte(body), &d))
	assert.Equal(t, "Chicago", d.FriendlyName)
	assert.Equal(t, "stream2dvr", d.Manufacturer)
	assert.Equal(t, "stream2dvr", d.DeviceAuth)
	assert.Equal(t, "HDTC-2US", d.ModelNumber)
	assert.Equal(t, 2, d.TunerCount)
	assert.Equal(t, hdhr.DeviceID(e.UUID()), d.DeviceID)
	assert.Equal(t, "http://"+host, d.BaseURL)
	assert.Equal(t, "http://"+host+"/lineup.json", d.LineupURL)
}

func TestLineupStatusIdle(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	_, body := get(t, srv.URL+"/lineup_status.json")
	var status hdhr.LineupStatus
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.False(t, status.ScanInProgress)
	assert.Equal(t, 50, status.Progress)
	assert.Equal(t, 6, status.Found)
	assert.Equal(t, []string{"Antenna"}, status.SourceList)
}

func TestLineupListsActiveChannels(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))
	host := strings.TrimPrefix(srv.URL, "http://")

	_, body := get(t, srv.URL+"/lineup.json")
	var entries []hdhr.LineupEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))

	// the inactive shopping channel is hidden, ordering is guide number
	// ascending
	require.Len(t, entries, 2)
	assert.Equal(t, "2.1", entries[0].GuideNumber)
	assert.Equal(t, "WBBM", entries[0].GuideName)
	assert.Equal(t, "http://"+host+"/watch/100", entries[0].URL)
	assert.Equal(t, "5.1", entries[1].GuideNumber)
	assert.Equal(t, "http://"+host+"/watch/101", entries[1].URL)
}

func TestLineupXML(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	resp, body := get(t, srv.URL+"/lineup.xml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "<Lineup>")
	assert.Contains(t, body, "<GuideNumber>2.1</GuideNumber>")
	assert.Contains(t, body, "<GuideName>WBBM</GuideName>")
	assert.NotContains(t, body, "7.1")
}

func TestLineupPost(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	resp, err := http.Post(srv.URL+"/lineup.post", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEPGXMLRendersGuide(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	resp, body := get(t, srv.URL+"/epg.xml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, `channel id="channel.100"`)
	assert.Contains(t, body, "News at Ten")

	// identical on a second request, cached or not
	_, again := get(t, srv.URL+"/epg.xml")
	assert.Equal(t, body, again)
}

func TestEPGDumpsChannelsWithListings(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	resp, body := get(t, srv.URL+"/epg")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var dump []struct {
		ID       string `json:"id"`
		Active   bool   `json:"active"`
		Listings []struct {
			Title string `json:"title"`
		} `json:"listings"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &dump))

	// the debugging surface shows everything, inactive included
	require.Len(t, dump, 3)
	assert.Equal(t, "100", dump[0].ID)
	require.Len(t, dump[0].Listings, 1)
	assert.Equal(t, "News at Ten", dump[0].Listings[0].Title)
	assert.Empty(t, dump[1].Listings)
	assert.False(t, dump[2].Active)
}

func TestTunerM3UFormat(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))
	host := strings.TrimPrefix(srv.URL, "http://")

	resp, body := get(t, srv.URL+"/tuner.m3u")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-mpegURL", resp.Header.Get("Content-Type"))

	want := "#EXTM3U\n" +
		"#EXTINF:-1 tvg-id=\"channel.100\" tvg-name=\"CBS\" tvg-logo=\"http://logo.example/cbs.png\" tvg-chno=\"2.1\" group-title=\"Chicago;Network\", CBS\n" +
		"http://" + host + "/watch/100.m3u8\n\n" +
		"#EXTINF:-1 tvg-id=\"channel.101\" tvg-name=\"WMAQ\" tvg-logo=\"http://logo.example/nbc.png\" tvg-chno=\"5.1\" group-title=\"Chicago\", WMAQ\n" +
		"http://" + host + "/watch/101.m3u8\n\n"
	assert.Equal(t, want, body)
}

func TestBuildM3UMultiplexDisplay(t *testing.T) {
	channels := []*types.Channel{
		{ID: "1", GuideNumber: "2.1", CallSign: "CBS", City: "Chicago", Active: true},
	}
	body := buildM3U(&config.Config{Multiplex: true}, channels, "host:1")
	assert.Contains(t, body, ", CBS (Chicago)\n")
	assert.Contains(t, body, "http://host:1/watch/1.m3u8\n")
}

func TestMapIncludesInactiveChannels(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	_, body := get(t, srv.URL+"/map.json")
	var m map[string]struct {
		OriginalCallSign string `json:"original_call_sign"`
		RemapCallSign    string `json:"remap_call_sign"`
		OriginalChannel  string `json:"original_channel"`
		RemapChannel     string `json:"remap_channel"`
		City             string `json:"city"`
		Active           bool   `json:"active"`
		Remapped         bool   `json:"remapped"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	require.Len(t, m, 3)

	shop, ok := m["channel.102"]
	require.True(t, ok)
	assert.False(t, shop.Active)
	assert.False(t, shop.Remapped)
	assert.Equal(t, "SHOP", shop.OriginalCallSign)
	assert.Equal(t, "SHOP", shop.RemapCallSign)
	assert.Equal(t, "7.1", shop.OriginalChannel)
	assert.Equal(t, "7.1", shop.RemapChannel)
	assert.Equal(t, "Chicago", shop.City)
}

func TestConfigMasksPassword(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	_, body := get(t, srv.URL+"/config")
	var masked map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &masked))
	assert.Equal(t, "*******", masked["password"])
	assert.Equal(t, "user@example.com", masked["username"])

	_, body = get(t, srv.URL+"/config?show_password")
	var full map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &full))
	assert.Equal(t, "secret", full["password"])
}

func TestGzipNegotiationOnMetadataRoutes(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	req, err := http.NewRequest("GET", srv.URL+"/lineup.json", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	// raw round trip so the transport does not transparently decompress
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)

	var entries []hdhr.LineupEntry
	require.NoError(t, json.Unmarshal(plain, &entries))
	assert.Len(t, entries, 2)
}

func TestEndpointsSurviveEmptyCache(t *testing.T) {
	// an entry that has never refreshed: discovery surfaces must still
	// answer, DVR clients treat 5xx as a dead tuner
	cfg := routerConfig()
	cfg.APIBaseURL = fakeAPI(t, "").URL
	hc := client.NewHeaderSettingClient(cfg)
	prov := provider.NewClient(cfg, hc, provider.NewSession(cfg, hc))
	e := station.NewEntry(cfg, cfg.Stations[0], 0, prov, match.New(cfg.MatchThreshold), nil)
	srv := newTestServer(t, cfg, e)

	for _, path := range []string{
		"/", "/device.xml", "/discover.json", "/lineup_status.json",
		"/lineup.json", "/lineup.xml", "/epg.xml", "/epg",
		"/tuner.m3u", "/map.json", "/config", "/metrics",
	} {
		resp, _ := get(t, srv.URL+path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "path %s", path)
	}

	_, body := get(t, srv.URL+"/lineup.json")
	assert.JSONEq(t, `[]`, body)
	_, body = get(t, srv.URL+"/tuner.m3u")
	assert.Equal(t, "#EXTM3U\n", body)
}

func TestWatchPlaylistThroughRouter(t *testing.T) {
	hls := fakeHLS(t)
	cfg := routerConfig()
	e := newTestSource(t, cfg, hls.URL+"/live.m3u8")
	srv := newTestServer(t, cfg, e)

	resp, body := get(t, srv.URL+"/watch/100.m3u8")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-mpegURL", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "/segment/")
	assert.Equal(t, 1, e.SlotsInUse())

	// segment URLs in the body resolve through the same router
	var segURL string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "http://") {
			segURL = line
			break
		}
	}
	require.NotEmpty(t, segURL)
	segResp, segBody := get(t, segURL)
	assert.Equal(t, http.StatusOK, segResp.StatusCode)
	assert.Equal(t, "AAAA", segBody)

	// the .m3u alias reuses the same session, no second slot
	aliasResp, _ := get(t, srv.URL+"/watch/100.m3u")
	assert.Equal(t, http.StatusOK, aliasResp.StatusCode)
	assert.Equal(t, 1, e.SlotsInUse())

	// unknown channels 404 without touching admission
	nfResp, _ := get(t, srv.URL+"/watch/999.m3u8")
	assert.Equal(t, http.StatusNotFound, nfResp.StatusCode)
	assert.Equal(t, 1, e.SlotsInUse())
}

func TestWatchContinuousThroughRouter(t *testing.T) {
	hls := fakeHLS(t)
	cfg := routerConfig()
	e := newTestSource(t, cfg, hls.URL+"/live.m3u8")
	srv := newTestServer(t, cfg, e)

	resp, body := get(t, srv.URL+"/watch/100")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "AAAABBBB", body)
	assert.Equal(t, 0, e.SlotsInUse())
}

func TestSegmentUnknownSession(t *testing.T) {
	cfg := routerConfig()
	srv := newTestServer(t, cfg, newTestSource(t, cfg, ""))

	resp, _ := get(t, srv.URL+"/segment/nope123/dG9rZW4")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterServesMergedView(t *testing.T) {
	hls := fakeHLS(t)
	cfg := routerConfig()
	cfg.Multiplex = true
	cfg.Remap = true
	cfg.Stations = []config.StationConfig{
		{Market: "602", ZipCode: "60601"},
		{Market: "501", ZipCode: "10001"},
	}
	cfg.APIBaseURL = fakeAPI(t, hls.URL+"/live.m3u8").URL

	hc := client.NewHeaderSettingClient(cfg)
	prov := provider.NewClient(cfg, hc, provider.NewSession(cfg, hc))
	reg := station.NewRegistry(context.Background(), cfg, prov, match.New(cfg.MatchThreshold), nil, nil)
	m, err := multiplexer.New(cfg, reg, nil)
	require.NoError(t, err)
	srv := newTestServer(t, cfg, m)

	var d hdhr.DiscoverData
	_, body := get(t, srv.URL+"/discover.json")
	require.NoError(t, json.Unmarshal([]byte(body), &d))
	assert.Equal(t, "Multiplexer", d.FriendlyName)
	assert.Equal(t, 2, d.TunerCount)

	// merged lineup with the second station renumbered
	_, body = get(t, srv.URL+"/lineup.json")
	var entries []hdhr.LineupEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "102.1", entries[2].GuideNumber)

	// multiplexed M3U display carries the market city
	_, body = get(t, srv.URL+"/tuner.m3u")
	assert.Contains(t, body, ", CBS (Chicago)\n")
	assert.Contains(t, body, `tvg-chno="102.1"`)

	// tuning a renumbered channel lands the slot on its owning station
	watchResp, _ := get(t, srv.URL+"/watch/200.m3u8")
	assert.Equal(t, http.StatusOK, watchResp.StatusCode)
	owner, _, ok := reg.FindChannel("200")
	require.True(t, ok)
	assert.Equal(t, "501", owner.MarketID())
	assert.Equal(t, 1, owner.SlotsInUse())
	other, err := reg.Resolve("602")
	require.NoError(t, err)
	assert.Equal(t, 0, other.SlotsInUse())
}
