// Command relayd is the reference host part: it accepts WebSocket clients,
// admits them into a SessionManager, binds a stream multiplexer with the
// Base and ActionRelay tools, and drives each session's Tick loop on that
// connection's own goroutine per the cooperative scheduling model (spec
// section 5).
// Grounded on the teacher's main.go (flag parsing, automaxprocs, signal
// handling, graceful shutdown) and server.go (HTTP listener, NATS wiring).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/config"
	"github.com/odinlabs/sessrelay/internal/logx"
	"github.com/odinlabs/sessrelay/internal/metrics"
	streammux "github.com/odinlabs/sessrelay/internal/mux"
	"github.com/odinlabs/sessrelay/internal/nvs"
	"github.com/odinlabs/sessrelay/internal/session"
	"github.com/odinlabs/sessrelay/internal/sessionmgr"
	"github.com/odinlabs/sessrelay/internal/tool"
	"github.com/odinlabs/sessrelay/internal/tool/actionrelay"
	"github.com/odinlabs/sessrelay/internal/tool/base"
	"github.com/odinlabs/sessrelay/transport/wsconn"
)

// serverInfo is the ServerInfoNVS payload the Base tool hands every client
// on connect (spec section 3).
var serverInfo = nvs.New().Set("Name", "relayd").Set("ProtocolVersion", "1")

type loggingActionHandler struct {
	log zerolog.Logger
}

func (h *loggingActionHandler) HandleAction(now time.Time, a actionrelay.Action) {
	h.log.Info().Str("action_id", a.ID).Int("payload_len", len(a.Payload)).Msg("action relayed")
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SESSRELAY_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("relayd: failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logx.New(logx.Config{Level: logx.Level(cfg.LogLevel), Format: logx.Format(cfg.LogFormat)})
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("relayd starting")

	reg := prometheus.NewRegistry()
	counters := metrics.NewCounters(reg)

	pool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	guard := sessionmgr.NewAdmissionGuard(log, cfg.AdmissionCPURejectPercent)
	mgr := sessionmgr.NewManager(cfg, pool, counters, guard, log)

	actionHandler := &loggingActionHandler{log: log}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Upgrade(w, r, log)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSession(ctx, conn, cfg, mgr, pool, counters, actionHandler, log)
		}()
	})
	httpMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: httpMux}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server exited")
		}
	}()

	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-sweepTicker.C:
				if n := mgr.Sweep(now); n > 0 {
					log.Debug().Int("removed", n).Msg("swept closed sessions")
				}
				if err := guard.Sample(ctx); err != nil {
					log.Debug().Err(err).Msg("admission guard: cpu sample failed")
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
}

// runSession builds a per-connection Mux bound with Base (stream 0) and
// ActionRelay, waits for the peer's open/resume request, then drives the
// accepted session's Tick loop at cfg.TickInterval until it closes
// permanently or ctx is canceled.
func runSession(ctx context.Context, conn *wsconn.Conn, cfg *config.Config, mgr *sessionmgr.Manager, pool *buffer.Pool, counters *metrics.Counters, actionHandler actionrelay.Handler, log zerolog.Logger) {
	defer conn.Close()

	registry := tool.NewRegistry()
	registry.Register(tool.TypeActionRelay, actionrelay.New(actionHandler))

	m := streammux.New(registry, pool, counters, log)
	baseCtx := tool.NewContext(0, tool.TypeBase, log, pool)
	baseTool := base.NewServer(serverInfo)(baseCtx)
	m.RegisterStream(0, baseTool, tool.TypeBase)

	var srv *session.Session
	acceptTimeout := time.After(cfg.MaxSessionConnectWaitTime)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

acceptLoop:
	for {
		select {
		case <-ctx.Done():
			return
		case <-acceptTimeout:
			log.Warn().Msg("session: peer never sent an open request")
			return
		case now := <-ticker.C:
			s, ok, err := mgr.TryAccept(now, conn, m)
			if err != nil {
				log.Warn().Err(err).Msg("session: open/resume rejected")
				return
			}
			if ok {
				srv = s
				break acceptLoop
			}
		}
	}

	m.Bind(srv)

	tickTicker := time.NewTicker(cfg.TickInterval)
	defer tickTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.ForceTerminate(time.Now(), session.ReasonLocalClose, "server shutting down")
			return
		case now := <-tickTicker.C:
			if srv.Transport() != conn {
				// A RequestResumeSession on another connection rebound this
				// session; that connection's goroutine now owns the Tick
				// loop, so this one steps aside rather than racing it.
				log.Info().Str("session", srv.UUID).Msg("session resumed on another connection")
				return
			}
			if err := srv.Tick(now); err != nil {
				log.Debug().Err(err).Msg("session: tick error")
			}
			m.ServiceAll(now)
			if srv.State().PermanentlyClosed() {
				log.Info().Str("session", srv.UUID).Str("reason", srv.TerminationReason().String()).Msg("session closed")
				return
			}
		}
	}
}
