package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"stream2dvr/work/config"
	"stream2dvr/work/logger"
	"stream2dvr/work/station"

	"github.com/panjf2000/ants/v2"
)

// Scheduler drives the periodic cache refreshes for every station: one
// lineup ticker and one guide ticker per entry, each tick handing the actual
// fetch to the shared worker pool so a slow market never delays another
// station's refresh or any live stream traffic.
//
// The refresh methods on the entries coalesce overlapping calls themselves,
// so a tick that fires while the previous refresh is still running is a
// cheap no-op rather than a stacked fetch.
type Scheduler struct {
	cfg      *config.Config
	registry *station.Registry
	pool     *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	enabled  atomic.Bool
	stopChan chan struct{}
}

// New builds a scheduler over an already-populated registry. Start must be
// called to begin ticking.
func New(cfg *config.Config, registry *station.Registry, pool *ants.Pool) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
}

// Start launches the per-station ticker loops. Idempotent.
func (s *Scheduler) Start() {
	if !s.enabled.CompareAndSwap(false, true) {
		return
	}

	for _, e := range s.registry.Entries() {
		go s.runStation(e)
	}

	logger.Info("{scheduler/scheduler.go - Start} refreshing %d stations (lineup every %s, guide every %s)",
		len(s.registry.Entries()), s.cfg.ChannelTTL, s.cfg.GuideTTL)
}

// Stop terminates all ticker loops and cancels in-flight refreshes.
// Idempotent.
func (s *Scheduler) Stop() {
	if !s.enabled.CompareAndSwap(true, false) {
		return
	}
	close(s.stopChan)
	s.cancel()
}

// runStation ticks one station until shutdown. Lineup and guide run on
// independent intervals; the guide interval is typically hours against the
// lineup's minutes.
func (s *Scheduler) runStation(e *station.Entry) {
	lineupTicker := time.NewTicker(s.cfg.ChannelTTL)
	defer lineupTicker.Stop()
	guideTicker := time.NewTicker(s.cfg.GuideTTL)
	defer guideTicker.Stop()

	logger.Debug("{scheduler/scheduler.go - runStation} %s: ticking", e.MarketID())

	for {
		select {
		case <-s.stopChan:
			return
		case <-lineupTicker.C:
			s.submit(e.MarketID(), "lineup", func() {
				if err := e.RefreshLineup(s.ctx); err != nil {
					logger.Warn("{scheduler/scheduler.go - runStation} lineup refresh failed for %s: %v", e.MarketID(), err)
				}
			})
		case <-guideTicker.C:
			s.submit(e.MarketID(), "guide", func() {
				if err := e.RefreshGuide(s.ctx); err != nil {
					logger.Warn("{scheduler/scheduler.go - runStation} guide refresh failed for %s: %v", e.MarketID(), err)
				}
			})
		}
	}
}

// submit hands a refresh job to the worker pool, falling back to inline
// execution when the pool is saturated or absent. Inline execution only
// stalls this one station's tickers.
func (s *Scheduler) submit(market, kind string, job func()) {
	if s.pool == nil {
		job()
		return
	}
	if err := s.pool.Submit(job); err != nil {
		logger.Warn("{scheduler/scheduler.go - submit} pool rejected %s refresh for %s, running inline: %v", kind, market, err)
		job()
	}
}
