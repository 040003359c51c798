package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveStreams tracks the number of streams currently being served, per
// station and channel. A gauge: it rises when a tune is admitted and falls
// when the stream ends or its session is reaped.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tuner_proxy_active_streams",
	Help: "Number of streams currently being served",
}, []string{"station", "channel"})

// SlotsInUse mirrors each station's tuner-slot counter. The emulated device
// advertises a fixed slot count; this gauge must never exceed it.
var SlotsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tuner_proxy_slots_in_use",
	Help: "Tuner slots currently held per station",
}, []string{"station"})

// TuneRequests counts tune attempts per station with their outcome:
// admitted, rejected (all tuners in use) or not_found.
var TuneRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tuner_proxy_tune_requests_total",
	Help: "Tune requests by outcome",
}, []string{"station", "result"})

// BytesTransferred tracks segment bytes moved per station. The "direction"
// label distinguishes upstream fetches from bytes written to clients.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tuner_proxy_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"station", "direction"})

// CacheRefresh counts background cache refreshes per station. The "cache"
// label is lineup or guide; "result" is ok or error. Failed refreshes leave
// the previous snapshot serving, so this counter is the only place failures
// surface besides the log.
var CacheRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tuner_proxy_cache_refresh_total",
	Help: "Cache refresh attempts by result",
}, []string{"station", "cache", "result"})

// UpstreamRequests counts provider API calls by endpoint and result.
var UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tuner_proxy_upstream_requests_total",
	Help: "Upstream provider API requests by result",
}, []string{"endpoint", "result"})
