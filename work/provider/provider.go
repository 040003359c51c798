package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stream2dvr/work/client"
	"stream2dvr/work/config"
	"stream2dvr/work/logger"
	"stream2dvr/work/metrics"
	"stream2dvr/work/types"
	"stream2dvr/work/utils"

	"go.uber.org/ratelimit"
)

// ErrUpstreamUnavailable indicates the provider API kept failing after the
// configured retries. Callers treat it as transient: caches keep serving
// their last snapshot and the next refresh cycle tries again.
var ErrUpstreamUnavailable = errors.New("upstream provider unavailable")

// Geo is the geographic override passed explicitly into every provider call
// that needs one. It is deliberately not session state: two stations sharing
// one credential session must never leak each other's location.
type Geo struct {
	ZipCode   string  // zip/postal override; wins over coordinates when set
	Latitude  float64 // coordinate override, used when ZipCode is empty
	Longitude float64
}

// StationDoc is one channel document from the provider listing endpoint.
// The upstream couples lineup and guide data in a single document: channel
// identity fields plus the embedded program listings. The engine splits
// these into the two caches downstream.
type StationDoc struct {
	ID       int64     `json:"id"`         // stable upstream channel identifier
	DMA      int       `json:"dma"`        // market code the channel belongs to
	Name     string    `json:"name"`       // full channel name ("WABCDT (WABC-DT)")
	CallSign string    `json:"callSign"`   // call sign, often prefixed with the channel number ("7.1 ABC")
	Channel  string    `json:"channel"`    // guide number when the provider supplies one directly
	LogoURL  string    `json:"logoUrl"`    // standard resolution logo
	Logo226  string    `json:"logo226Url"` // higher resolution logo, preferred when present
	Active   bool      `json:"active"`     // whether the channel is currently watchable
	Listings []Listing `json:"listings"`   // embedded program guide entries
}

// Listing is one scheduled program inside a StationDoc
type Listing struct {
	Airdate       int64  `json:"airdate"`       // start time, milliseconds since epoch
	Duration      int64  `json:"duration"`      // program length in seconds
	Title         string `json:"title"`         // program title
	Description   string `json:"description"`   // synopsis, may be empty
	Genres        string `json:"genres"`        // comma separated genre tags
	EpisodeTitle  string `json:"episodeTitle"`  // episode title for episodic content
	EpisodeNumber int    `json:"episodeNumber"` // episode number, 0 when not episodic
	SeasonNumber  int    `json:"seasonNumber"`  // season number, 0 when not episodic
	ProgramID     string `json:"programId"`     // provider program identifier
}

// Start returns the listing start time
func (l *Listing) Start() time.Time {
	return time.UnixMilli(l.Airdate).UTC()
}

// GenreList splits the comma separated genre string
func (l *Listing) GenreList() []string {
	if l.Genres == "" {
		return nil
	}
	parts := strings.Split(l.Genres, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Logo returns the best logo URL the provider offered
func (d *StationDoc) Logo() string {
	if d.Logo226 != "" {
		return d.Logo226
	}
	return d.LogoURL
}

// dmaDoc is the provider locate reply. DMA arrives as a number from some
// deployments and a string from others, so it is decoded leniently.
type dmaDoc struct {
	DMA      json.Number `json:"DMA"`
	Name     string      `json:"name"`
	Active   bool        `json:"active"`
	Timezone string      `json:"timezone"`
}

// watchDoc is the provider watch reply carrying the minted playlist URL
type watchDoc struct {
	StreamURL string `json:"streamUrl"`
}

// Client talks to the upstream provider API. Every call is rate limited,
// carries the session's bearer token, runs under a bounded timeout, and is
// retried with doubling backoff before giving up with
// ErrUpstreamUnavailable.
type Client struct {
	cfg     *config.Config
	http    *client.HeaderSettingClient
	session *Session
	limiter ratelimit.Limiter
}

// NewClient builds the provider API client around the shared HTTP client
// and credential session
func NewClient(cfg *config.Config, httpClient *client.HeaderSettingClient, session *Session) *Client {
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		session: session,
		limiter: ratelimit.New(cfg.RateLimit),
	}
}

// Session exposes the credential session the client was built with
func (p *Client) Session() *Session {
	return p.session
}

// Locate resolves a geographic override to the provider market serving it.
//
// Parameters:
//   - ctx: cancellation context
//   - geo: zip code or coordinates; the zip code wins when both are set
//
// Returns:
//   - *types.MarketInfo: market code, display name, timezone, active flag
//   - error: ErrUpstreamUnavailable after bounded retries
func (p *Client) Locate(ctx context.Context, geo Geo) (*types.MarketInfo, error) {
	var url string
	if geo.ZipCode != "" {
		url = fmt.Sprintf("%s/watch/dma/zip/%s", p.cfg.APIBaseURL, geo.ZipCode)
	} else {
		url = fmt.Sprintf("%s/watch/dma/%s/%s", p.cfg.APIBaseURL, formatCoord(geo.Latitude), formatCoord(geo.Longitude))
	}

	doc, err := fetchJSON[dmaDoc](ctx, p, "locate", url)
	if err != nil {
		return nil, err
	}

	info := &types.MarketInfo{
		DMA:      doc.DMA.String(),
		Name:     doc.Name,
		Timezone: doc.Timezone,
		Active:   doc.Active,
	}
	logger.Debug("{provider/provider.go - Locate} resolved market %s (%s), active=%t", info.DMA, info.Name, info.Active)

	return info, nil
}

// Channels fetches the channel listing documents for a market, including
// the embedded program guide data. When days is greater than one the
// subsequent days are fetched with a startTime offset and merged into the
// same documents, so each channel carries its full multi-day schedule.
//
// Parameters:
//   - ctx: cancellation context
//   - dma: market code from Locate
//   - days: how many days of guide data to request
//
// Returns:
//   - []StationDoc: one document per channel, listings merged across days
//   - error: ErrUpstreamUnavailable after bounded retries
func (p *Client) Channels(ctx context.Context, dma string, days int) ([]StationDoc, error) {
	if days < 1 {
		days = 1
	}

	base := fmt.Sprintf("%s/watch/epg/%s", p.cfg.APIBaseURL, dma)
	day0 := time.Now().UTC().Truncate(24 * time.Hour)

	var order []int64
	byID := make(map[int64]*StationDoc)

	for d := 0; d < days; d++ {
		url := base
		if d > 0 {
			url = fmt.Sprintf("%s?startTime=%s", base, day0.AddDate(0, 0, d).Format("2006-01-02T15:04:05-07:00"))
		}

		docs, err := fetchJSON[[]StationDoc](ctx, p, "channels", url)
		if err != nil {
			// The first day carries the lineup itself; without it there is
			// nothing to serve. Later days only extend the guide.
			if d == 0 {
				return nil, err
			}
			logger.Warn("{provider/provider.go - Channels} guide day %d fetch failed for market %s: %v", d, dma, err)
			break
		}

		for i := range docs {
			doc := docs[i]
			existing, ok := byID[doc.ID]
			if !ok {
				order = append(order, doc.ID)
				byID[doc.ID] = &doc
				continue
			}
			existing.Listings = append(existing.Listings, doc.Listings...)
		}
	}

	out := make([]StationDoc, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}

	logger.Debug("{provider/provider.go - Channels} fetched %d channels for market %s (%d days)", len(out), dma, days)

	return out, nil
}

// WatchURL mints a fresh upstream playlist URL for one channel. Minted URLs
// expire upstream, so the stream path calls this again whenever its
// re-mint countdown runs out.
//
// Parameters:
//   - ctx: cancellation context
//   - channelID: upstream channel identifier
//   - geo: geographic override for region locked content
//
// Returns:
//   - string: master or media playlist URL
//   - error: ErrUpstreamUnavailable after bounded retries
func (p *Client) WatchURL(ctx context.Context, channelID string, geo Geo) (string, error) {
	url := fmt.Sprintf("%s/watch/station/%s/%s/%s", p.cfg.APIBaseURL, channelID, formatCoord(geo.Latitude), formatCoord(geo.Longitude))

	doc, err := fetchJSON[watchDoc](ctx, p, "watch", url)
	if err != nil {
		return "", err
	}
	if doc.StreamURL == "" {
		return "", fmt.Errorf("%w: watch response carried no stream URL", ErrUpstreamUnavailable)
	}

	logger.Debug("{provider/provider.go - WatchURL} minted stream URL for channel %s: %s", channelID, utils.LogURL(p.cfg.ObfuscateUrls, doc.StreamURL))

	return doc.StreamURL, nil
}

// fetchJSON runs one authenticated GET against the provider API with rate
// limiting, bounded retries, and doubling backoff. A 401 invalidates the
// session token so the next attempt logs in again; ErrAuth from the session
// aborts the retry loop immediately.
func fetchJSON[T any](ctx context.Context, p *Client, endpoint, url string) (T, error) {
	var zero T
	delay := p.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug("{provider/provider.go - fetchJSON} retrying %s in %v (attempt %d/%d)", endpoint, delay, attempt+1, p.cfg.MaxRetries)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		out, err := fetchOnce[T](ctx, p, url)
		if err == nil {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "ok").Inc()
			return out, nil
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, context.Canceled) {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
			return zero, err
		}
		lastErr = err
	}

	metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()

	return zero, fmt.Errorf("%s failed after %d attempts: %w: %v", endpoint, p.cfg.MaxRetries, ErrUpstreamUnavailable, lastErr)
}

// fetchOnce performs a single authenticated API request
func fetchOnce[T any](ctx context.Context, p *Client, url string) (T, error) {
	var zero T

	p.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.UpstreamTimeout)
	defer cancel()

	token, err := p.session.Token(ctx)
	if err != nil {
		return zero, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token went stale upstream before its nominal expiry
		p.session.Invalidate()
		return zero, fmt.Errorf("upstream returned HTTP 401")
	}
	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("failed to read response body: %w", err)
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, fmt.Errorf("failed to parse response: %w", err)
	}

	return out, nil
}

// formatCoord renders a coordinate for a URL path segment without trailing
// zero noise
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
