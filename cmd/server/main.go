// Command server wires every component of the session fabric together
// and serves them over HTTP: the WebSocket API, a health check, and
// Prometheus metrics. Grounded on the teacher's cmd/main.go entry point
// (config load, server construction, graceful shutdown on SIGINT/SIGTERM)
// rebuilt around this repo's own components instead of the hub/NATS pair.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/icotes/fabric/internal/auth"
	"github.com/icotes/fabric/internal/broadcaster"
	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/config"
	"github.com/icotes/fabric/internal/connmgr"
	"github.com/icotes/fabric/internal/hop"
	"github.com/icotes/fabric/internal/localterm"
	"github.com/icotes/fabric/internal/metrics"
	"github.com/icotes/fabric/internal/router"
	"github.com/icotes/fabric/internal/rpc"
	"github.com/icotes/fabric/internal/types"
	"github.com/icotes/fabric/internal/wsapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("addr", cfg.Addr).Str("workspace", cfg.WorkspaceRoot).Msg("starting fabric session gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := broker.New(logger, cfg.WSHistorySize)
	b.Start(ctx)
	defer b.Stop()

	if cfg.NATSEnabled {
		bridge, err := broker.NewNATSBridge(broker.NATSBridgeConfig{
			URL:             cfg.NATSURL,
			MaxReconnects:   5,
			ReconnectWait:   2 * time.Second,
			ReconnectJitter: 500 * time.Millisecond,
			MaxPingsOut:     3,
			PingInterval:    20 * time.Second,
			SubjectPrefix:   "fabric.",
		}, b, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS bridge unavailable, continuing without it")
		} else {
			defer bridge.Close()
			if err := bridge.MirrorOut("fs.*", "terminal.*", "hop.*", "connection.*"); err != nil {
				logger.Warn().Err(err).Msg("failed to mirror broker topics onto NATS")
			}
		}
	}

	conns := connmgr.New(logger, b, connmgr.Config{
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		ConnectionTimeout:     time.Duration(cfg.ConnectionTimeoutSec) * time.Second,
		PingInterval:          time.Duration(cfg.PingIntervalSec) * time.Second,
	})
	conns.Start(ctx)
	defer conns.Stop()

	bc := broadcaster.New(logger, b, broadcaster.Config{
		HistorySize:     cfg.BroadcasterHistorySize,
		DeliveryTimeout: time.Duration(cfg.DeliveryTimeoutSec) * time.Second,
	})
	bc.Start(ctx)
	defer bc.Stop()

	hopSvc, err := hop.New(cfg.WorkspaceRoot, hop.Config{
		ConnectionTimeout:    time.Duration(cfg.HopConnectionTimeoutSec) * time.Second,
		OperationTimeout:     time.Duration(cfg.HopOperationTimeoutSec) * time.Second,
		ReconnectMaxRetries:  cfg.HopReconnectMaxRetries,
		ReconnectBackoffBase: cfg.HopReconnectBackoffBase,
		DebugMode:            cfg.HopDebugMode,
	}, logger, b)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start hop service")
	}
	hopSvc.StartLivenessMonitor(ctx, time.Duration(cfg.HopLivenessCheckIntervalSec)*time.Second)
	defer hopSvc.StopLivenessMonitor()

	localTerm := localterm.New(logger, b, time.Duration(cfg.TerminalSessionTimeoutSec)*time.Second)
	localTerm.StartReaper()
	defer localTerm.StopReaper()

	rtr := router.New(hopSvc, logger, b, cfg.WorkspaceRoot, localTerm)

	var jwtManager *auth.JWTManager
	if cfg.RequireAuth {
		jwtManager = auth.NewJWTManager(cfg.JWTSecret, time.Duration(cfg.JWTTokenExpSec)*time.Second)
	}

	rpcRouter := rpc.NewRouter(logger)
	registerRPCMethods(rpcRouter, conns, rtr, hopSvc, bc, jwtManager, logger)

	ws := wsapi.New(logger, b, conns, rpcRouter, nil, wsapi.Config{
		HistorySize:      cfg.WSHistorySize,
		IdleTimeout:      time.Duration(cfg.WSIdleTimeoutSec) * time.Second,
		HeartbeatPeriod:  time.Duration(cfg.WSHeartbeatSec) * time.Second,
		InboundRateLimit: cfg.WSInboundRateLimit,
		InboundBurst:     cfg.WSInboundBurst,
		JWTManager:       jwtManager,
		RequireAuth:      cfg.RequireAuth,
	}, bc)
	ws.Start(ctx)
	defer ws.Stop()

	var metricsCollector *metrics.Metrics
	var sysMetrics *metrics.SystemMetrics
	if cfg.MetricsEnabled {
		metricsCollector = metrics.New()
		sysMetrics = metrics.NewSystemMetrics()
		go metricsCollector.RunSampler(ctx, sysMetrics, time.Duration(cfg.MetricsUpdateInterval)*time.Second)
		go sampleComponentMetrics(ctx, metricsCollector, b, conns, hopSvc, localTerm, rtr, time.Duration(cfg.MetricsUpdateInterval)*time.Second)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wrapAuth(jwtManager, cfg.RequireAuth, ws.HandleWS))
	mux.HandleFunc("/health", handleHealth(b, conns, hopSvc))
	mux.HandleFunc("/rpc", wrapAuth(jwtManager, cfg.RequireAuth, handleRPC(rpcRouter)))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/metrics/system", handleSystemMetrics(sysMetrics))
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("error during http server shutdown")
	}
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func waitForShutdown(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
}

// wrapAuth rejects WebSocket upgrades lacking a valid token when auth is
// required; otherwise it passes the request through untouched, since
// connmgr.Authenticate (invoked later, over the JSON-RPC channel) is
// what actually binds user identity to the connection.
func wrapAuth(jwtManager *auth.JWTManager, required bool, next http.HandlerFunc) http.HandlerFunc {
	if !required || jwtManager == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := jwtManager.WebSocketAuth(r); err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// sampleComponentMetrics periodically copies the broker/connection/hop/
// terminal components' own stats accessors into the Prometheus gauges,
// rather than threading *metrics.Metrics through every component's call
// sites — each one already exposes a Stats()/GetStats()-style snapshot
// for exactly this purpose (spec §4.B get_stats, §4.A replay/stats).
func sampleComponentMetrics(ctx context.Context, m *metrics.Metrics, b *broker.Broker, conns *connmgr.Manager, hopSvc *hop.Service, localTerm *localterm.Service, rtr *router.Router, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bstats := b.Stats()
			m.SetActiveSubscriptions(bstats.ActiveSubscriptions)
			m.SetConnectionsActive(conns.GetStats().Total)

			hopActive := 0
			for _, sess := range hopSvc.ListSessions() {
				if sess.Status == types.HopConnected && sess.ContextID != types.LocalContextID {
					hopActive++
				}
			}
			m.SetHopSessionsActive(hopActive)

			m.SetLocalTerminalsActive(localTerm.Count())
			m.SetRemoteTerminalsActive(rtr.RemoteTerminalSessionCount())
		}
	}
}

func handleHealth(b *broker.Broker, conns *connmgr.Manager, hopSvc *hop.Service) http.HandlerFunc {
	startedAt := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		status := hopSvc.Status()
		contextID := types.LocalContextID
		if status != nil {
			contextID = status.ContextID
		}
		body := map[string]any{
			"status":          "ok",
			"broker":          b.Stats(),
			"connections":     conns.GetStats(),
			"active_context":  contextID,
			"uptime_server_s": int64(time.Since(startedAt).Seconds()),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

// handleRPC serves the JSON-RPC surface (spec §6) over plain HTTP POST,
// the out-of-scope "thin HTTP handler layer" just thick enough to make
// the core independently reachable without a WebSocket.
func handleRPC(r *rpc.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		resp, err := r.DispatchRaw(req.Context(), body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write(resp)
	}
}

// handleSystemMetrics exposes gopsutil-derived CPU/memory snapshots
// alongside the Prometheus scrape endpoint, mirroring the teacher's
// separate system-stats route.
func handleSystemMetrics(sys *metrics.SystemMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sys.Update()
		body := map[string]any{
			"memory": sys.GetMemoryStats(),
			"cpu":    sys.GetCPUPercent(),
			"system": sys.GetSystemInfo(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
