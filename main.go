package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/panjf2000/ants/v2"

	"stream2dvr/work/buffer"
	"stream2dvr/work/client"
	"stream2dvr/work/config"
	"stream2dvr/work/database"
	"stream2dvr/work/handlers"
	"stream2dvr/work/logger"
	"stream2dvr/work/match"
	"stream2dvr/work/multiplexer"
	"stream2dvr/work/provider"
	"stream2dvr/work/proxy"
	"stream2dvr/work/scheduler"
	"stream2dvr/work/ssdp"
	"stream2dvr/work/station"
)

var (
	Version = "v0.1.0" // default version
)

// segmentBufferSize is the pooled buffer size for proxied media segments
const segmentBufferSize = 64 * 1024

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	if missing := cfg.Missing(); len(missing) > 0 {
		logger.Warn("{main.go - main} configuration missing %s; lineups stay empty until provided",
			strings.Join(missing, ", "))
	}

	// Initialize buffer pool and the shared HTTP client
	bufferPool := buffer.NewBufferPool(segmentBufferSize)
	httpClient := client.NewHeaderSettingClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log in to the provider up front. Rejected credentials end the process
	// here; transient failures retry on demand.
	session := provider.NewSession(cfg, httpClient)
	prov := provider.NewClient(cfg, httpClient, session)
	if err := session.Login(ctx); err != nil {
		if errors.Is(err, provider.ErrAuth) {
			log.Fatalf("Upstream rejected credentials for %q, check username and password", cfg.Username)
		}
		logger.Warn("{main.go - main} initial login failed, will retry on demand: %v", err)
	}

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Device identity store. Without it identities are derived, so DVR
	// clients still see stable devices; they just re-pair if a legacy
	// random identity was lost with the file.
	var db *database.DB
	if cfg.DeviceDBPath != "" {
		db, err = database.Open(cfg.DeviceDBPath)
		if err != nil {
			logger.Warn("{main.go - main} device database unavailable, using derived identities: %v", err)
			db = nil
		} else {
			defer db.Close()
		}
	}

	// Build the station registry; the constructor fans the first refresh
	// out over the worker pool so startup is one round trip per market
	registry := station.NewRegistry(ctx, cfg, prov, match.New(cfg.MatchThreshold), db, workerPool)

	// Stream proxy shared by every server
	proxyInstance := proxy.New(cfg, httpClient, bufferPool)
	go proxyInstance.RunSessionReaper()

	// Refresh scheduler keeps lineups and guides current
	sched := scheduler.New(cfg, registry, workerPool)
	sched.Start()
	defer sched.Stop()

	// One HTTP server per station, plus the merged device on the base port
	// when multiplexing
	var servers []*http.Server
	for _, e := range registry.Entries() {
		addr := fmt.Sprintf("%s:%d", cfg.BindAddress, e.Port())
		servers = append(servers, serve(addr, handlers.NewRouter(cfg, e, proxyInstance)))
	}

	var merged *multiplexer.Multiplexer
	if cfg.Multiplex {
		merged, err = multiplexer.New(cfg, registry, db)
		if err != nil {
			log.Fatalf("Multiplexer setup failed: %v", err)
		}
		addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
		servers = append(servers, serve(addr, handlers.NewRouter(cfg, merged, proxyInstance)))
	}

	// Answer SSDP discovery probes for every advertised device
	if cfg.SSDPEnabled {
		ads := make([]ssdp.Advertisement, 0, len(registry.Entries())+1)
		for _, e := range registry.Entries() {
			ads = append(ads, ssdp.Advertisement{
				UUID:     e.UUID(),
				Location: ssdp.DeviceXMLURL(fmt.Sprintf("http://%s:%d", cfg.BindAddress, e.Port())),
			})
		}
		if merged != nil {
			ads = append(ads, ssdp.Advertisement{
				UUID:     merged.UUID(),
				Location: ssdp.DeviceXMLURL(fmt.Sprintf("http://%s:%d", cfg.BindAddress, cfg.Port)),
			})
		}
		responder := ssdp.NewResponder(ads)
		go func() {
			if err := responder.Run(ctx); err != nil {
				logger.Error("{main.go - main} ssdp responder failed: %v", err)
			}
		}()
	}

	// show info
	logger.Info("Starting stream2dvr %s", Version)
	reportTuners(cfg, registry.Entries(), merged)
	logger.Info("stream2dvr started..")

	// Block until asked to stop, then drain everything
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("{main.go - main} shutting down")

	proxyInstance.StopSessionReaper()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("{main.go - main} server %s shutdown: %v", srv.Addr, err)
		}
	}
}

// serve starts an HTTP server on addr in the background and returns it for
// the shutdown pass
func serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		logger.Info("{main.go - serve} listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server on %s failed: %v", addr, err)
		}
	}()
	return srv
}

// reportTuners logs the startup tables. Stations behind the multiplexer are
// listed without per-station URLs since clients only talk to the merged
// device; the multiplexer gets its own table.
func reportTuners(cfg *config.Config, entries []*station.Entry, merged *multiplexer.Multiplexer) {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if merged != nil {
		fmt.Fprintln(tw, "City\tZip code\tDMA\tUUID\tTimezone")
		for _, e := range entries {
			dma, tz := "", ""
			if m := e.Market(); m != nil {
				dma, tz = m.DMA, m.Timezone
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.City(), e.Geo().ZipCode, dma, e.UUID(), tz)
		}
	} else {
		fmt.Fprintln(tw, "City\tZip code\tDMA\tUUID\tTimezone\tURL")
		for _, e := range entries {
			dma, tz := "", ""
			if m := e.Market(); m != nil {
				dma, tz = m.DMA, m.Timezone
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\thttp://%s:%d\n",
				e.City(), e.Geo().ZipCode, dma, e.UUID(), tz, cfg.BindAddress, e.Port())
		}
	}
	tw.Flush()

	logger.Info("Tuners:")
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		logger.Info(" %s", line)
	}

	if merged != nil {
		buf.Reset()
		tw = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "UID\tURL")
		fmt.Fprintf(tw, "%s\thttp://%s:%d\n", merged.UUID(), cfg.BindAddress, cfg.Port)
		tw.Flush()

		logger.Info("Multiplexer:")
		for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
			logger.Info(" %s", line)
		}
	}
}
