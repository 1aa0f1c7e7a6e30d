package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mcpmux/mcpmux/internal/audit"
	"github.com/mcpmux/mcpmux/internal/httpmw"
	"github.com/mcpmux/mcpmux/internal/logger"
	"github.com/mcpmux/mcpmux/internal/mcpconfig"
	"github.com/mcpmux/mcpmux/internal/mcpfacade"
	"github.com/mcpmux/mcpmux/internal/mcpmanager"
	"github.com/mcpmux/mcpmux/internal/metrics"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	addrFlag := flag.String("addr", "", "HTTP listen address (default: :8089, or $PORT)")
	configFlag := flag.String("config", "", "Path to mcp-servers.jsonc (default: $CONFIG_PATH or none)")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	logger.InitFromEnv()
	log := logger.Slog()

	addr := resolveAddr(*addrFlag)
	dataDir := resolveDataDir()

	manager := mcpmanager.NewManager(log)

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath != "" {
		specs, err := mcpconfig.Load(configPath)
		if err != nil {
			log.Error("failed to load server specifications", "path", configPath, "error", err)
		} else {
			for _, spec := range specs {
				manager.RegisterServer(spec)
			}
			log.Info("loaded server specifications", "path", configPath, "count", len(specs))
		}
	}

	auditStore, err := audit.NewStore(dataDir)
	if err != nil {
		log.Error("failed to open audit store", "error", err)
		os.Exit(1)
	}
	manager.SetEventHook(func(event, server, instanceID string) {
		audit.Hook(auditStore, log)(event, server, instanceID)
		recordMetric(event, server, instanceID)
	})

	supervisor, err := mcpmanager.NewSupervisor(manager, mcpmanager.DefaultSupervisorSchedule, log)
	if err != nil {
		log.Error("failed to build supervisor", "error", err)
		os.Exit(1)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	manager.InitializeDefaultServers(startCtx)
	startCancel()

	supervisor.Start()

	facadeServer := mcpfacade.New(manager)
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return facadeServer
	}, &mcp.StreamableHTTPOptions{})

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := manager.HealthCheck(r.Context())
		metrics.SetConnectedServers(snap.ConnectedCount)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(snap)
	})

	limiter := httpmw.DefaultRateLimiter()
	cleanupStop := make(chan struct{})
	httpmw.StartCleanup(limiter, 10*time.Minute, cleanupStop)

	authed := httpmw.SharedSecret(os.Getenv("AUTH_TOKEN"))(mux)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: metrics.Middleware(httpmw.RateLimit(limiter)(authed)),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		serverErr <- httpServer.ListenAndServe()
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
		}
	case sig := <-shutdownChan:
		log.Info("received signal, shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_ = httpServer.Shutdown(shutdownCtx)
		close(cleanupStop)

		supervisor.Stop()
		manager.DisconnectAll(shutdownCtx)
		_ = auditStore.Close()

		log.Info("shutdown complete")
	}
}

func resolveAddr(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8089"
}

func resolveDataDir() string {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".mcp-multiplexer")
}

func recordMetric(event, server, instanceID string) {
	switch event {
	case "connect":
		metrics.RecordConnect(server, instanceID, "success")
	case "connect_failed":
		metrics.RecordConnect(server, instanceID, "failure")
	case "disconnected":
		metrics.RecordDisconnect(server, instanceID)
	case "call":
		metrics.RecordToolCall(server, instanceID, "success")
	case "call_failed":
		metrics.RecordToolCall(server, instanceID, "failure")
	case "call_timeout":
		metrics.RecordTimeout(server, instanceID)
	case "call_protocol_error":
		metrics.RecordProtocolError(server, instanceID)
	}
}
