package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stream2dvr/work/logger"
	"stream2dvr/work/metrics"
	"stream2dvr/work/station"
	"stream2dvr/work/utils"

	regexp "github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// uriAttrRe captures the URI attribute of #EXT-X-KEY and #EXT-X-MAP tags
var uriAttrRe = regexp.MustCompile(`URI="([^"]+)"`)

// ServePlaylist handles playlist-mode tunes: it fetches the upstream HLS
// playlist for the channel, collapses master playlists to their best
// variant, and rewrites every segment reference to point back at this
// server's /segment route so the client never sees upstream URLs or the
// credentials baked into them.
func (p *Proxy) ServePlaylist(w http.ResponseWriter, r *http.Request, entry *station.Entry, channelID string) {
	s, err := p.acquireSession(r.Context(), entry, channelID, clientIP(r))
	if err != nil {
		writeTuneError(w, err)
		return
	}
	s.Touch()

	body, finalURL, err := p.sessionPlaylist(r.Context(), s)
	if err != nil {
		logger.Warn("{proxy/playlist.go - ServePlaylist} session %s: upstream playlist unavailable: %v", s.ID, err)
		p.ReleaseSession(s)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	rewritten := RewritePlaylist(body, finalURL, utils.RequestHost(r), s.ID)

	w.Header().Set("Content-Type", "application/x-mpegURL")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(rewritten)
}

// sessionPlaylist fetches the session's upstream playlist. Watch URLs expire
// after a few hours, so one fetch failure triggers a single re-mint before
// the session gives up.
func (p *Proxy) sessionPlaylist(ctx context.Context, s *Session) ([]byte, string, error) {
	body, finalURL, err := p.resolvePlaylist(ctx, s.WatchURL())
	if err == nil {
		return body, finalURL, nil
	}

	logger.Debug("{proxy/playlist.go - sessionPlaylist} session %s: playlist fetch failed (%v), re-minting watch url", s.ID, err)

	fresh, merr := s.station.MintWatchURL(ctx, s.channel.ID)
	if merr != nil {
		return nil, "", fmt.Errorf("re-mint after playlist failure: %w", merr)
	}
	s.SetWatchURL(fresh)

	return p.resolvePlaylist(ctx, fresh)
}

// resolvePlaylist fetches a playlist and, when it turns out to be a master
// playlist, follows the best variant so callers always end up holding a
// media playlist. Returns the raw body and the URL it was fetched from,
// which relative segment URIs resolve against.
func (p *Proxy) resolvePlaylist(ctx context.Context, url string) ([]byte, string, error) {
	body, err := p.fetchBody(ctx, url, playlistFetchTimeout)
	if err != nil {
		return nil, "", err
	}

	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, "", fmt.Errorf("decode playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return body, url, nil
	}

	variantURL, err := p.collapseMaster(body, url)
	if err != nil {
		return nil, "", err
	}

	variantBody, err := p.fetchBody(ctx, variantURL, playlistFetchTimeout)
	if err != nil {
		return nil, "", err
	}

	// one level of indirection is all HLS allows; a master behind a master
	// is a broken upstream
	if _, nested, err := m3u8.DecodeFrom(bytes.NewReader(variantBody), true); err != nil {
		return nil, "", fmt.Errorf("decode variant playlist: %w", err)
	} else if nested == m3u8.MASTER {
		return nil, "", fmt.Errorf("variant %s is itself a master playlist", utils.LogURL(p.Config.ObfuscateUrls, variantURL))
	}

	return variantBody, variantURL, nil
}

// collapseMaster picks the highest-bandwidth variant from a master playlist
// body and resolves its URI to absolute form
func (p *Proxy) collapseMaster(body []byte, baseURL string) (string, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return "", fmt.Errorf("decode master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return "", fmt.Errorf("not a master playlist")
	}

	master := pl.(*m3u8.MasterPlaylist)
	var best *m3u8.Variant
	for _, variant := range master.Variants {
		if variant == nil {
			break
		}
		if best == nil || variant.Bandwidth > best.Bandwidth {
			best = variant
		}
	}
	if best == nil {
		return "", fmt.Errorf("master playlist has no variants")
	}

	abs, err := utils.AbsoluteURL(baseURL, best.URI)
	if err != nil {
		return "", fmt.Errorf("resolve variant uri: %w", err)
	}

	logger.Debug("{proxy/playlist.go - collapseMaster} selected variant %d kbps: %s",
		best.Bandwidth/1000, utils.LogURL(p.Config.ObfuscateUrls, abs))
	return abs, nil
}

// fetchBody fetches a URL within the given timeout and returns the body
func (p *Proxy) fetchBody(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	resp, err := p.HttpClient.Get(ctx, url, timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, utils.LogURL(p.Config.ObfuscateUrls, url))
	}
	return io.ReadAll(resp.Body)
}

// RewritePlaylist rewrites a media playlist so every URI points back at this
// server. Segment lines and the URI attributes of #EXT-X-KEY/#EXT-X-MAP tags
// become /segment/{session}/{token} URLs carrying the absolute upstream URL
// base64url-encoded; every other line passes through untouched, preserving
// directive order.
func RewritePlaylist(body []byte, playlistURL, host, sessionID string) []byte {
	var out strings.Builder
	out.Grow(len(body) + len(body)/2)

	for _, rawLine := range strings.Split(string(body), "\n") {
		line := strings.TrimRight(rawLine, "\r")

		switch {
		case line == "" || (strings.HasPrefix(line, "#") && !hasRewritableURI(line)):
			out.WriteString(line)

		case strings.HasPrefix(line, "#"):
			out.WriteString(uriAttrRe.ReplaceAllStringFunc(line, func(match string) string {
				ref := uriAttrRe.FindStringSubmatch(match)[1]
				abs, err := utils.AbsoluteURL(playlistURL, ref)
				if err != nil {
					return match
				}
				return `URI="` + SegmentURL(host, sessionID, abs) + `"`
			}))

		default:
			abs, err := utils.AbsoluteURL(playlistURL, line)
			if err != nil {
				out.WriteString(line)
			} else {
				out.WriteString(SegmentURL(host, sessionID, abs))
			}
		}
		out.WriteByte('\n')
	}

	return []byte(strings.TrimSuffix(out.String(), "\n"))
}

// hasRewritableURI reports whether a tag line carries a URI attribute that
// the client will fetch (encryption keys and init segments)
func hasRewritableURI(line string) bool {
	if !strings.Contains(line, `URI="`) {
		return false
	}
	return strings.HasPrefix(line, "#EXT-X-KEY:") || strings.HasPrefix(line, "#EXT-X-MAP:")
}

// SegmentURL builds the local proxy URL for one upstream segment
func SegmentURL(host, sessionID, upstreamURL string) string {
	token := base64.RawURLEncoding.EncodeToString([]byte(upstreamURL))
	return fmt.Sprintf("http://%s/segment/%s/%s", host, sessionID, token)
}

// DecodeSegmentToken recovers the upstream URL from a segment token
func DecodeSegmentToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode segment token: %w", err)
	}
	return string(raw), nil
}

// ServeSegment proxies one upstream segment to the client through a pooled
// buffer, stamping the owning session so the reaper sees it alive.
func (p *Proxy) ServeSegment(w http.ResponseWriter, r *http.Request, sessionID, token string) {
	s, ok := p.Session(sessionID)
	if !ok {
		http.Error(w, "unknown stream session", http.StatusNotFound)
		return
	}
	s.Touch()

	upstreamURL, err := DecodeSegmentToken(token)
	if err != nil {
		http.Error(w, "bad segment token", http.StatusBadRequest)
		return
	}

	resp, err := p.HttpClient.Get(r.Context(), upstreamURL, segmentFetchTimeout)
	if err != nil {
		logger.Debug("{proxy/playlist.go - ServeSegment} session %s: segment fetch failed: %v", s.ID, err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp2t"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")

	written := p.copyThroughPool(w, resp.Body, s.station.MarketID())
	s.Touch()

	logger.Debug("{proxy/playlist.go - ServeSegment} session %s: relayed %d bytes", s.ID, written)
}

// copyThroughPool moves upstream bytes to the client through a pooled
// buffer, counting both directions
func (p *Proxy) copyThroughPool(w http.ResponseWriter, body io.Reader, stationID string) int64 {
	buf := p.BufferPool.Get()
	defer p.BufferPool.Put(buf)

	chunk := buf.B[:cap(buf.B)]
	flusher, canFlush := resolveFlusher(w)

	var written int64
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			metrics.BytesTransferred.WithLabelValues(stationID, "upstream").Add(float64(n))
			if _, werr := w.Write(chunk[:n]); werr != nil {
				break
			}
			metrics.BytesTransferred.WithLabelValues(stationID, "client").Add(float64(n))
			written += int64(n)
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	return written
}
