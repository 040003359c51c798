package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"stream2dvr/work/buffer"
	"stream2dvr/work/client"
	"stream2dvr/work/config"
	"stream2dvr/work/logger"
	"stream2dvr/work/metrics"
	"stream2dvr/work/station"
	"stream2dvr/work/types"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrChannelNotFound is returned when a tune names a channel id the
	// station's lineup does not carry.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrAllTunersInUse is returned when every tuner slot on the station is
	// held. Callers map it to HTTP 503; there is no queueing.
	ErrAllTunersInUse = errors.New("all tuners in use")
)

const (
	// playlistFetchTimeout bounds upstream playlist polls
	playlistFetchTimeout = 5 * time.Second

	// segmentFetchTimeout bounds upstream segment fetches
	segmentFetchTimeout = 10 * time.Second

	// reaperInterval is how often idle playlist sessions are swept
	reaperInterval = 10 * time.Second
)

// Proxy serves live streams to DVR clients in two renditions: rewritten HLS
// playlists whose segment URLs point back at this server, and a continuous
// paced MPEG-TS style relay. Both share the tune admission path: resolve the
// channel, take a tuner slot, mint the upstream watch URL.
type Proxy struct {
	Config     *config.Config
	HttpClient *client.HeaderSettingClient
	BufferPool *buffer.BufferPool

	// sessions by short id, and the same sessions keyed
	// station/channel/clientIP so a polling client reuses its slot
	sessions *xsync.MapOf[string, *Session]
	byClient *xsync.MapOf[string, *Session]

	reaperStopChan chan bool
}

// Session is one playlist-mode stream. It holds a tuner slot from creation
// until it is released or reaped; client disconnects in playlist mode are
// only observable as inactivity, so the last-activity stamp is the sole
// liveness signal.
type Session struct {
	ID      string
	key     string
	station *station.Entry
	channel *types.Channel

	mu       sync.Mutex
	watchURL string

	lastActive atomic.Int64
	released   atomic.Bool
}

// Touch stamps the session as active now
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().Unix())
}

// WatchURL returns the current upstream playlist URL
func (s *Session) WatchURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchURL
}

// SetWatchURL swaps in a freshly minted upstream URL after the old one expired
func (s *Session) SetWatchURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchURL = url
}

// New creates the proxy with its session maps ready
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, bufferPool *buffer.BufferPool) *Proxy {
	logger.Debug("{proxy/proxy.go - New} initializing stream proxy (session timeout: %s)", cfg.SessionTimeout)

	return &Proxy{
		Config:         cfg,
		HttpClient:     httpClient,
		BufferPool:     bufferPool,
		sessions:       xsync.NewMapOf[string, *Session](),
		byClient:       xsync.NewMapOf[string, *Session](),
		reaperStopChan: make(chan bool, 1),
	}
}

// Tune runs the shared admission path: resolve the channel, acquire a tuner
// slot, mint the upstream watch URL. The slot is held on success; every error
// path has already released it. Slot rejection is routine client behavior
// (DVRs probe all tuners), so it logs at debug.
func (p *Proxy) Tune(ctx context.Context, entry *station.Entry, channelID string) (*types.Channel, string, error) {
	ch := entry.Channel(channelID)
	if ch == nil {
		metrics.TuneRequests.WithLabelValues(entry.MarketID(), "not_found").Inc()
		logger.Debug("{proxy/proxy.go - Tune} station %s has no channel %s", entry.MarketID(), channelID)
		return nil, "", ErrChannelNotFound
	}

	if !entry.AcquireSlot() {
		metrics.TuneRequests.WithLabelValues(entry.MarketID(), "rejected").Inc()
		logger.Debug("{proxy/proxy.go - Tune} station %s: all %d tuner slots in use, rejecting channel %s",
			entry.MarketID(), entry.TunerCount(), channelID)
		return nil, "", ErrAllTunersInUse
	}

	watchURL, err := entry.MintWatchURL(ctx, channelID)
	if err != nil {
		entry.ReleaseSlot()
		return nil, "", fmt.Errorf("mint watch url for channel %s: %w", channelID, err)
	}

	metrics.TuneRequests.WithLabelValues(entry.MarketID(), "admitted").Inc()
	logger.Debug("{proxy/proxy.go - Tune} station %s: admitted channel %s (%d/%d slots in use)",
		entry.MarketID(), channelID, entry.SlotsInUse(), entry.TunerCount())
	return ch, watchURL, nil
}

// acquireSession returns the client's existing session for this channel or
// tunes a fresh one. Reuse is what keeps a polling HLS client on a single
// tuner slot instead of burning one per playlist request.
func (p *Proxy) acquireSession(ctx context.Context, entry *station.Entry, channelID, clientIP string) (*Session, error) {
	key := entry.MarketID() + "/" + channelID + "/" + clientIP

	if s, ok := p.byClient.Load(key); ok {
		s.Touch()
		return s, nil
	}

	ch, watchURL, err := p.Tune(ctx, entry, channelID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:       newStreamID(),
		key:      key,
		station:  entry,
		channel:  ch,
		watchURL: watchURL,
	}
	s.Touch()

	// two concurrent first requests can race here; the loser gives its slot
	// back and joins the winner's session
	if existing, loaded := p.byClient.LoadOrStore(key, s); loaded {
		entry.ReleaseSlot()
		existing.Touch()
		return existing, nil
	}

	p.sessions.Store(s.ID, s)
	metrics.ActiveStreams.WithLabelValues(entry.MarketID(), ch.EffectiveCallSign()).Inc()
	logger.Debug("{proxy/proxy.go - acquireSession} session %s created for %s (channel %s, client %s)",
		s.ID, entry.MarketID(), channelID, clientIP)
	return s, nil
}

// Session looks up a playlist session by its short id
func (p *Proxy) Session(id string) (*Session, bool) {
	return p.sessions.Load(id)
}

// ReleaseSession frees a session's tuner slot and removes it from both maps.
// Safe to call more than once; only the first call releases anything.
func (p *Proxy) ReleaseSession(s *Session) {
	if !s.released.CompareAndSwap(false, true) {
		return
	}

	p.sessions.Delete(s.ID)
	p.byClient.Delete(s.key)
	s.station.ReleaseSlot()
	metrics.ActiveStreams.WithLabelValues(s.station.MarketID(), s.channel.EffectiveCallSign()).Dec()

	logger.Debug("{proxy/proxy.go - ReleaseSession} session %s released (station %s, channel %s)",
		s.ID, s.station.MarketID(), s.channel.ID)
}

// SessionCount returns the number of live playlist sessions
func (p *Proxy) SessionCount() int {
	return p.sessions.Size()
}

// RunSessionReaper sweeps idle playlist sessions every few seconds, freeing
// their tuner slots. Runs in a blocking loop; launch it in its own goroutine
// and stop it with StopSessionReaper.
func (p *Proxy) RunSessionReaper() {
	logger.Debug("{proxy/proxy.go - RunSessionReaper} starting session reaper (sweep: %s, idle timeout: %s)",
		reaperInterval, p.Config.SessionTimeout)

	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStopChan:
			logger.Debug("{proxy/proxy.go - RunSessionReaper} session reaper stopped")
			return
		case <-ticker.C:
			p.reapIdleSessions(time.Now().Unix())
		}
	}
}

// reapIdleSessions releases every session idle longer than the configured
// session timeout
func (p *Proxy) reapIdleSessions(now int64) {
	idleLimit := int64(p.Config.SessionTimeout.Seconds())

	p.sessions.Range(func(id string, s *Session) bool {
		idle := now - s.lastActive.Load()
		if idle > idleLimit {
			logger.Debug("{proxy/proxy.go - reapIdleSessions} reaping session %s (channel %s, idle %ds)",
				id, s.channel.ID, idle)
			p.ReleaseSession(s)
		}
		return true
	})
}

// StopSessionReaper signals the reaper loop to terminate. Non-blocking, so
// the caller never hangs if the loop already exited.
func (p *Proxy) StopSessionReaper() {
	select {
	case p.reaperStopChan <- true:
	default:
	}
}

// writeTuneError maps tune failures onto their HTTP statuses
func writeTuneError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrChannelNotFound):
		http.Error(w, "channel not found", http.StatusNotFound)
	case errors.Is(err, ErrAllTunersInUse):
		http.Error(w, "all tuners in use", http.StatusServiceUnavailable)
	default:
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

// resolveFlusher unwraps the response writer down to something flushable,
// handling our own wrapper type
func resolveFlusher(w http.ResponseWriter) (http.Flusher, bool) {
	if crw, isCustom := w.(*client.CustomResponseWriter); isCustom {
		flusher, ok := crw.ResponseWriter.(http.Flusher)
		return flusher, ok
	}
	flusher, ok := w.(http.Flusher)
	return flusher, ok
}

// clientIP extracts the bare address from a request's RemoteAddr
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// newStreamID returns a short stream identifier: the first 7 characters of
// a UUID4, enough to stay unique within one process while keeping log lines
// readable.
func newStreamID() string {
	return uuid.New().String()[:7]
}
