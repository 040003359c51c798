package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"stream2dvr/work/buffer"
	"stream2dvr/work/client"
	"stream2dvr/work/logger"
	"stream2dvr/work/metrics"
	"stream2dvr/work/station"
	"stream2dvr/work/utils"

	"github.com/grafov/m3u8"
)

var errNotMediaPlaylist = errors.New("not a media playlist")

const (
	// watchURLLifetime is how many seconds of media a minted watch URL is
	// trusted for before the relay re-mints it: 2h45m, safely inside the
	// provider's expiry window.
	watchURLLifetime = 9900.0

	// windowHighWater / windowDrain bound the segment dedupe window: once
	// it holds windowHighWater entries the oldest windowDrain are dropped
	windowHighWater = 30
	windowDrain     = 10
)

// ServeContinuous handles continuous-mode tunes: a single long-lived
// response body fed segment by segment, paced against wall time so the
// client receives media at roughly real-time rate. This is the rendition
// DVR backends that expect a plain MPEG-TS tuner consume.
func (p *Proxy) ServeContinuous(w http.ResponseWriter, r *http.Request, entry *station.Entry, channelID string) {
	ch, watchURL, err := p.Tune(r.Context(), entry, channelID)
	if err != nil {
		writeTuneError(w, err)
		return
	}
	defer entry.ReleaseSlot()

	// the wrapper supplies the keep-alive and no-cache headers on first write
	crw := client.NewCustomResponseWriter(w)
	flusher, ok := resolveFlusher(crw)
	if !ok {
		logger.Error("{proxy/relay.go - ServeContinuous} response writer does not support streaming")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	streamID := newStreamID()
	metrics.ActiveStreams.WithLabelValues(entry.MarketID(), ch.EffectiveCallSign()).Inc()
	defer metrics.ActiveStreams.WithLabelValues(entry.MarketID(), ch.EffectiveCallSign()).Dec()

	crw.Header().Set("Content-Type", "video/mpeg")
	crw.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.Info("{proxy/relay.go - ServeContinuous} stream %s started (station %s, channel %s)",
		streamID, entry.MarketID(), channelID)

	p.relay(r, entry, channelID, streamID, watchURL, crw, flusher)

	logger.Info("{proxy/relay.go - ServeContinuous} stream %s ended", streamID)
}

// relay is the pacing loop. Each iteration polls the upstream playlist,
// queues unseen segments, then serves the oldest unplayed one no earlier
// than its place in the timeline: after the first segment, the loop sleeps
// until secondsServed - segDuration/2 - elapsed reaches zero, keeping the
// client roughly half a segment ahead of real time. Any upstream failure
// ends the stream; the DVR client retries with a fresh tune.
func (p *Proxy) relay(r *http.Request, entry *station.Entry, channelID, streamID, watchURL string, w http.ResponseWriter, flusher http.Flusher) {
	ctx := r.Context()

	window := buffer.NewSegmentWindow()
	started := time.Now()
	secondsServed := 0.0
	countdown := watchURLLifetime
	playlistURL := watchURL

	for {
		select {
		case <-ctx.Done():
			logger.Debug("{proxy/relay.go - relay} stream %s: client disconnected", streamID)
			return
		default:
		}

		// minted URLs expire; swap in a fresh one before that happens
		if countdown < 0 {
			logger.Debug("{proxy/relay.go - relay} stream %s: watch url expired, re-minting", streamID)
			fresh, err := entry.MintWatchURL(ctx, channelID)
			if err != nil {
				logger.Warn("{proxy/relay.go - relay} stream %s: re-mint failed, ending stream: %v", streamID, err)
				return
			}
			playlistURL = fresh
			countdown = watchURLLifetime
			logger.Debug("{proxy/relay.go - relay} stream %s: new watch url: %s",
				streamID, utils.LogURL(p.Config.ObfuscateUrls, fresh))
		}

		segments, err := p.pollSegments(ctx, playlistURL)
		if err != nil {
			logger.Warn("{proxy/relay.go - relay} stream %s: playlist poll failed, ending stream: %v", streamID, err)
			return
		}

		for _, seg := range segments {
			if window.Add(seg.URL, seg.Duration) {
				logger.Debug("{proxy/relay.go - relay} stream %s: queued segment %s",
					streamID, utils.LogURL(p.Config.ObfuscateUrls, seg.URL))
			}
		}

		if window.Len() >= windowHighWater {
			logger.Debug("{proxy/relay.go - relay} stream %s: draining %d segments", streamID, windowDrain)
			window.Drain(windowDrain)
		}

		next := window.NextUnplayed()
		if next == nil {
			logger.Warn("{proxy/relay.go - relay} stream %s: no unplayed segment, ending stream", streamID)
			return
		}

		segSeconds := next.Duration.Seconds()
		if secondsServed > 0 {
			wait := secondsServed - 0.5*segSeconds - time.Since(started).Seconds()
			if wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(wait * float64(time.Second))):
				}
			}
		}

		if !p.relaySegment(ctx, entry, next.URL, w, flusher) {
			return
		}

		window.MarkPlayed(next.URL)
		secondsServed += segSeconds
		countdown -= segSeconds
	}
}

// relaySegment fetches one segment and writes it to the client. Returns
// false when the stream should end.
func (p *Proxy) relaySegment(ctx context.Context, entry *station.Entry, url string, w http.ResponseWriter, flusher http.Flusher) bool {
	resp, err := p.HttpClient.Get(ctx, url, segmentFetchTimeout)
	if err != nil {
		logger.Warn("{proxy/relay.go - relaySegment} segment fetch failed, ending stream: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("{proxy/relay.go - relaySegment} HTTP %d fetching segment, ending stream", resp.StatusCode)
		return false
	}

	buf := p.BufferPool.Get()
	defer p.BufferPool.Put(buf)

	n, err := buf.ReadFrom(resp.Body)
	if err != nil {
		logger.Warn("{proxy/relay.go - relaySegment} segment read failed after %d bytes, ending stream: %v", n, err)
		return false
	}
	metrics.BytesTransferred.WithLabelValues(entry.MarketID(), "upstream").Add(float64(n))

	if _, err := w.Write(buf.B); err != nil {
		logger.Debug("{proxy/relay.go - relaySegment} client write failed: %v", err)
		return false
	}
	flusher.Flush()
	metrics.BytesTransferred.WithLabelValues(entry.MarketID(), "client").Add(float64(n))

	return true
}

// pollSegments fetches the playlist and returns its segments with absolute
// URLs. Master playlists collapse to their best variant first; live media
// playlists re-list recent segments every poll, which the caller's dedupe
// window absorbs.
func (p *Proxy) pollSegments(ctx context.Context, playlistURL string) ([]buffer.Segment, error) {
	body, finalURL, err := p.resolvePlaylist(ctx, playlistURL)
	if err != nil {
		return nil, err
	}
	return parseSegments(body, finalURL)
}

// parseSegments decodes a media playlist body into absolute segment URLs
// and durations
func parseSegments(body []byte, baseURL string) ([]buffer.Segment, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, errNotMediaPlaylist
	}

	media := pl.(*m3u8.MediaPlaylist)
	out := make([]buffer.Segment, 0, len(media.Segments))
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		abs, err := utils.AbsoluteURL(baseURL, seg.URI)
		if err != nil {
			logger.Debug("{proxy/relay.go - parseSegments} skipping unresolvable segment uri %q: %v", seg.URI, err)
			continue
		}
		out = append(out, buffer.Segment{
			URL:      abs,
			Duration: time.Duration(seg.Duration * float64(time.Second)),
		})
	}
	return out, nil
}
