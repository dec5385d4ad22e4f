package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/david-t-martel/serial-mcp-server/internal/api/rest"
	"github.com/david-t-martel/serial-mcp-server/internal/api/websocket"
	"github.com/david-t-martel/serial-mcp-server/internal/config"
	"github.com/david-t-martel/serial-mcp-server/internal/mcp"
	"github.com/david-t-martel/serial-mcp-server/internal/negotiation"
	"github.com/david-t-martel/serial-mcp-server/internal/port"
	"github.com/david-t-martel/serial-mcp-server/internal/service"
	"github.com/david-t-martel/serial-mcp-server/internal/session"
)

func main() {
	var (
		serverMode = flag.Bool("server", false, "start the HTTP/WebSocket facade instead of stdio RPC")
		httpPort   = flag.Int("port", 0, "HTTP port for --server mode (overrides config)")
		configPath = flag.String("config", "", "optional YAML config file")
	)
	flag.Parse()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Logger initialisieren; stdout gehört dem RPC-Stream
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully")

	// Session Store (fällt bei Storage-Fehlern auf In-Memory zurück)
	store := session.Open(cfg.Database.URL, logger)
	defer store.Close()

	svc := service.New(logger)
	negotiator := negotiation.New(logger)
	if path := cfg.Negotiation.ProfileOverrides; path != "" {
		profiles, err := negotiation.LoadProfileOverrides(path)
		if err != nil {
			logger.Warn("ignoring manufacturer profile overrides", zap.Error(err))
		} else {
			negotiator = negotiation.NewWithStrategies(logger,
				negotiation.NewManufacturerStrategy(port.OpenSerial, logger).WithProfiles(profiles),
				negotiation.NewEchoProbeStrategy(port.OpenSerial, logger),
				negotiation.NewStandardBaudsStrategy(port.OpenSerial, logger),
			)
		}
	}

	if *serverMode {
		runHTTP(cfg, *httpPort, svc, store, logger)
		return
	}

	runStdio(svc, negotiator, store, logger)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// runStdio serves the newline JSON-RPC loop until the peer closes
// stdin; a clean EOF exits 0.
func runStdio(svc *service.PortService, negotiator *negotiation.Negotiator, store session.Store, logger *zap.Logger) {
	registry := mcp.NewRegistry(logger)
	dispatcher := mcp.NewDispatcher(svc, negotiator, store, logger)
	if err := dispatcher.RegisterAll(registry); err != nil {
		logger.Error("Failed to register tools", zap.Error(err))
		os.Exit(1)
	}

	server := mcp.NewServer(os.Stdin, os.Stdout, registry, logger)
	logger.Info("Serial MCP server starting in stdio mode")
	if err := server.Run(context.Background()); err != nil {
		logger.Error("RPC loop failed", zap.Error(err))
		os.Exit(1)
	}
}

// runHTTP starts the REST/WebSocket facade and blocks until a signal.
func runHTTP(cfg *config.Config, portOverride int, svc *service.PortService, store session.Store, logger *zap.Logger) {
	hub := websocket.NewHub(logger)
	hub.BindService(svc)

	httpPort := cfg.Server.HTTPPort
	if portOverride > 0 {
		httpPort = portOverride
	}
	server := rest.NewServer(httpPort, svc, store, logger, hub)
	if err := server.Start(); err != nil {
		logger.Error("Failed to start REST server", zap.Error(err))
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Serial MCP server listening on http://127.0.0.1:%d\n", httpPort)

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	svc.Close()
	logger.Info("Serial MCP server stopped")
}
