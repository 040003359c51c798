package ssdp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"stream2dvr/work/logger"
)

// searchTargets are the M-SEARCH ST values we answer. DVR clients probe
// either the generic ssdp:all or one of the UPnP device types.
var searchTargets = []string{
	"ssdp:all",
	"urn:schemas-upnp-org:device:MediaServer",
	"urn:schemas-upnp-org:device:Basic:1",
}

// Advertisement describes one virtual tuner announced over SSDP
type Advertisement struct {
	UUID     string // device UUID carried in the USN header
	Location string // absolute device.xml URL for this tuner
}

// Responder answers SSDP M-SEARCH probes on UDP 1900 so DVR clients find
// the virtual tuners without being told their ports. One responder covers
// every configured station: a search response carries a single LOCATION,
// so each probe is answered with one packet per advertised device.
type Responder struct {
	addr string
	ads  []Advertisement
}

// NewResponder builds a responder for the given advertisements. Entries
// with an empty location are dropped rather than advertised broken.
func NewResponder(ads []Advertisement) *Responder {
	kept := make([]Advertisement, 0, len(ads))
	for _, ad := range ads {
		if ad.Location == "" {
			logger.Warn("{ssdp/ssdp.go - NewResponder} skipping advertisement for %s: empty location", ad.UUID)
			continue
		}
		kept = append(kept, ad)
	}
	return &Responder{addr: ":1900", ads: kept}
}

// Run listens for M-SEARCH probes until the context is canceled. The read
// loop polls with a short deadline so cancellation is noticed within a
// second even when the socket stays quiet.
func (r *Responder) Run(ctx context.Context) error {
	if len(r.ads) == 0 {
		logger.Warn("{ssdp/ssdp.go - Run} no advertisements, responder not started")
		return nil
	}

	pc, err := net.ListenPacket("udp", r.addr)
	if err != nil {
		return fmt.Errorf("ssdp listen on %s: %w", r.addr, err)
	}
	defer pc.Close()

	logger.Info("{ssdp/ssdp.go - Run} answering discovery probes on %s for %d tuner(s)", r.addr, len(r.ads))

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pc.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			logger.Debug("{ssdp/ssdp.go - Run} read error: %v", err)
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		msg := string(buf[:n])
		if !strings.Contains(msg, "M-SEARCH") {
			continue
		}
		if !matchesSearchTarget(msg) {
			continue
		}

		for _, ad := range r.ads {
			if _, err := pc.WriteTo([]byte(searchResponse(ad)), udpAddr); err != nil {
				logger.Debug("{ssdp/ssdp.go - Run} write to %s failed: %v", udpAddr, err)
				break
			}
		}
		logger.Debug("{ssdp/ssdp.go - Run} answered M-SEARCH from %s", udpAddr)
	}
}

func matchesSearchTarget(msg string) bool {
	for _, st := range searchTargets {
		if strings.Contains(msg, st) {
			return true
		}
	}
	return false
}

// searchResponse renders the unicast reply for one advertised tuner
func searchResponse(ad Advertisement) string {
	return fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"CACHE-CONTROL: max-age=300\r\n"+
			"EXT:\r\n"+
			"LOCATION: %s\r\n"+
			"SERVER: stream2dvr/1.0 UPnP/1.0\r\n"+
			"ST: urn:schemas-upnp-org:device:MediaServer:1\r\n"+
			"USN: uuid:%s::urn:schemas-upnp-org:device:MediaServer:1\r\n"+
			"\r\n",
		ad.Location, ad.UUID,
	)
}

// DeviceXMLURL joins a tuner's base URL with the device description path.
// Returns "" when the base URL is empty or unparseable, which NewResponder
// treats as "do not advertise".
func DeviceXMLURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/device.xml"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
