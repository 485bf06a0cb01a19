// Package main is the entry point for the toolgate daemon: it connects the
// configured capability servers, serves the admin API, and optionally
// re-exposes every upstream capability over one aggregated MCP endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaystack/toolgate/internal/api"
	"github.com/relaystack/toolgate/internal/common/config"
	"github.com/relaystack/toolgate/internal/common/httpmw"
	"github.com/relaystack/toolgate/internal/common/logger"
	"github.com/relaystack/toolgate/internal/events/bus"
	"github.com/relaystack/toolgate/internal/serverfile"
	"github.com/relaystack/toolgate/internal/tracing"
	"github.com/relaystack/toolgate/pkg/gateway"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting toolgate")

	// 3. Create root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Connection manager
	mgr := gateway.NewManager(&gateway.Options{
		ClientName:     cfg.Gateway.ClientName,
		ConnectTimeout: cfg.Gateway.ConnectTimeoutDuration(),
		CallTimeout:    cfg.Gateway.CallTimeoutDuration(),
		SyncTimeout:    cfg.Gateway.SyncTimeoutDuration(),
		Reconnect: gateway.ReconnectPolicy{
			Disabled:        cfg.Gateway.Reconnect.Disabled,
			InitialInterval: cfg.Gateway.Reconnect.InitialIntervalDuration(),
			MaxInterval:     cfg.Gateway.Reconnect.MaxIntervalDuration(),
			Multiplier:      cfg.Gateway.Reconnect.Multiplier,
			MaxRetries:      cfg.Gateway.Reconnect.MaxRetries,
		},
		Health: gateway.HealthOptions{
			Disabled:         cfg.Gateway.Health.Disabled,
			Interval:         cfg.Gateway.Health.IntervalDuration(),
			ProbeTimeout:     cfg.Gateway.Health.ProbeTimeoutDuration(),
			FailureThreshold: cfg.Gateway.Health.FailureThreshold,
		},
		Logger: log.Zap(),
	})
	defer func() { _ = mgr.Close() }()

	// 6. Publish lifecycle events on the bus
	mgr.OnEvent(func(ev gateway.Event) {
		subject := fmt.Sprintf("toolgate.%s", ev.Type)
		if ev.ServerID != "" {
			subject = subjectFor(ev)
		}
		busEvent := &bus.Event{
			ID:        ev.ID,
			Type:      string(ev.Type),
			Source:    "toolgate",
			Timestamp: ev.Timestamp,
			Data:      ev.Data,
		}
		if err := eventBus.Publish(context.Background(), subject, busEvent); err != nil {
			log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
		}
	})

	// 7. MCP frontend
	var frontend *gateway.Frontend
	if cfg.Frontend.Enabled {
		frontend, err = gateway.NewFrontend(mgr, &gateway.FrontendOptions{
			Addr: cfg.Frontend.Addr,
			Path: cfg.Frontend.Path,
		})
		if err != nil {
			log.Fatal("failed to build MCP frontend", zap.Error(err))
		}
		go func() {
			log.Info("MCP frontend listening",
				zap.String("addr", cfg.Frontend.Addr),
				zap.String("path", cfg.Frontend.Path))
			if err := frontend.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
				log.Error("MCP frontend stopped", zap.Error(err))
			}
		}()
	}

	// 8. Connect declared servers
	if cfg.ServersFile != "" {
		declared, err := serverfile.Load(cfg.ServersFile)
		if err != nil {
			log.Fatal("failed to load servers file",
				zap.String("path", cfg.ServersFile), zap.Error(err))
		}
		failures := serverfile.ConnectAll(ctx, mgr, declared, log)
		log.Info("startup connects finished",
			zap.Int("declared", len(declared.Servers)),
			zap.Int("failed", len(failures)))
	}

	// 9. Admin API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("toolgate-admin"))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "servers": len(mgr.ListServers())})
	})
	api.SetupRoutes(router.Group("/v1"), mgr, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpmw.CORS(router, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("admin API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("admin API server failed", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutting down toolgate")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("admin API shutdown error", zap.Error(err))
	}
	if frontend != nil {
		if err := frontend.Shutdown(shutdownCtx); err != nil {
			log.Error("MCP frontend shutdown error", zap.Error(err))
		}
	}
	if err := mgr.Close(); err != nil {
		log.Error("manager close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("toolgate stopped")
}

// subjectFor maps a gateway event to its bus subject:
// toolgate.server.<id>.<transition> or toolgate.capabilities.<id>.synced.
func subjectFor(ev gateway.Event) string {
	switch ev.Type {
	case gateway.EventServerConnected:
		return fmt.Sprintf("toolgate.server.%s.connected", ev.ServerID)
	case gateway.EventServerDisconnected:
		return fmt.Sprintf("toolgate.server.%s.disconnected", ev.ServerID)
	case gateway.EventServerReconnecting:
		return fmt.Sprintf("toolgate.server.%s.reconnecting", ev.ServerID)
	case gateway.EventServerError:
		return fmt.Sprintf("toolgate.server.%s.error", ev.ServerID)
	case gateway.EventCapabilitiesSynced:
		return fmt.Sprintf("toolgate.capabilities.%s.synced", ev.ServerID)
	default:
		return fmt.Sprintf("toolgate.server.%s.%s", ev.ServerID, ev.Type)
	}
}
