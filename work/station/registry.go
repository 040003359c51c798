package station

import (
	"context"
	"errors"
	"sync"

	"stream2dvr/work/config"
	"stream2dvr/work/database"
	"stream2dvr/work/logger"
	"stream2dvr/work/match"
	"stream2dvr/work/provider"
	"stream2dvr/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrUnknownStation indicates a request named a market no station is
// configured for
var ErrUnknownStation = errors.New("unknown station")

// Registry owns one entry per configured market. Built once at startup;
// the entry set never changes afterwards, only the snapshots inside the
// entries do.
type Registry struct {
	entries  []*Entry
	byMarket *xsync.MapOf[string, *Entry]
}

// NewRegistry builds every configured station, fanning the initial
// fetches out over the worker pool so a slow market never delays the
// others. A station whose initial fetch fails still registers and serves
// an empty lineup until a later refresh succeeds.
func NewRegistry(ctx context.Context, cfg *config.Config, p *provider.Client, m *match.Matcher, db *database.DB, pool *ants.Pool) *Registry {
	entries := make([]*Entry, len(cfg.Stations))
	byMarket := xsync.NewMapOf[string, *Entry]()

	var wg sync.WaitGroup
	for i := range cfg.Stations {
		i := i
		wg.Add(1)
		job := func() {
			defer wg.Done()
			e := NewEntry(cfg, cfg.Stations[i], i, p, m, db)
			if err := e.RefreshGuide(ctx); err != nil {
				logger.Warn("{station/registry.go - NewRegistry} initial fetch failed for %s, serving empty lineup until the next refresh: %v", e.MarketID(), err)
			}
			entries[i] = e
			byMarket.Store(e.MarketID(), e)
		}
		if pool != nil {
			if err := pool.Submit(job); err != nil {
				job()
			}
		} else {
			job()
		}
	}
	wg.Wait()

	logger.Info("{station/registry.go - NewRegistry} registered %d stations", len(entries))

	return &Registry{
		entries:  entries,
		byMarket: byMarket,
	}
}

// Entries returns all stations in config order
func (r *Registry) Entries() []*Entry {
	return r.entries
}

// Resolve returns the entry for a market id
func (r *Registry) Resolve(market string) (*Entry, error) {
	if e, ok := r.byMarket.Load(market); ok {
		return e, nil
	}
	return nil, ErrUnknownStation
}

// FindChannel scans every station for a channel id. The multiplexer uses
// this to route merged-lineup tune requests back to the owning station, so
// slot accounting stays where the channel lives.
func (r *Registry) FindChannel(id string) (*Entry, *types.Channel, bool) {
	for _, e := range r.entries {
		if c := e.Channel(id); c != nil {
			return e, c, true
		}
	}
	return nil, nil, false
}
