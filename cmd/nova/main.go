// Package main is the entry point for the Nova agent orchestration server.
// One binary hosts the plugin registry, the Claude CLI plugin, the history
// service and the websocket JSON-RPC gateway.
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

	"github.com/novahq/nova/internal/claudecli"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/common/tracing"
	"github.com/novahq/nova/internal/config"
	gateways "github.com/novahq/nova/internal/gateway/websocket"
	"github.com/novahq/nova/internal/history"
	"github.com/novahq/nova/internal/plugin"
)

func main() {
	// 1. Bootstrap logger, then configuration
	bootLog, err := logger.NewLogger(logger.LoggingConfig{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.NewLoader(config.DefaultBasePath(), bootLog)
	defer cfg.Close()

	// 2. Re-initialize the logger with the configured level and format
	log, err := logger.NewLogger(cfg.Get().Logging)
	if err != nil {
		log = bootLog
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Nova server...", zap.String("base_path", cfg.BasePath()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Plugin registry and loader
	registry := plugin.NewRegistry(log)
	loader := plugin.NewLoader(cfg, registry, log)
	claudecli.RegisterFactory(loader)

	// 4. History service over the CLI's transcript tree
	historySvc := history.NewService(history.DefaultRoot(), log)

	// 5. Websocket gateway
	svc := gateways.NewService(registry, historySvc, cfg, log)
	hub := gateways.NewHub(log)
	wsHandler := gateways.NewHandler(hub, svc, log)
	go hub.Run(ctx)

	// 6. Discover plugins
	loader.Discover(ctx)
	log.Info("Plugins loaded", zap.Int("count", len(registry.Plugins())))

	// 7. HTTP server
	if cfg.Get().Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/nova", wsHandler.HandleConnection)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"plugins":     len(registry.Plugins()),
			"sessions":    registry.SessionCount(),
			"connections": hub.ClientCount(),
		})
	})

	router.GET("/plugins", func(c *gin.Context) {
		type pluginInfo struct {
			Name   string `json:"name"`
			Source string `json:"source"`
			Agents int    `json:"agents"`
		}
		plugins := registry.Plugins()
		out := make([]pluginInfo, 0, len(plugins))
		for _, p := range plugins {
			out = append(out, pluginInfo{
				Name:   p.Name(),
				Source: p.Manifest().Source,
				Agents: len(p.Agents()),
			})
		}
		c.JSON(http.StatusOK, gin.H{"plugins": out})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":   "nova",
			"websocket": "/nova",
			"health":    "/health",
		})
	})

	serverCfg := cfg.Server()
	addr := fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("Server listening",
			zap.String("addr", addr),
			zap.String("websocket", "/nova"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Nova...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	registry.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Trace flush error", zap.Error(err))
	}

	log.Info("Nova stopped")
}

// corsMiddleware allows browser clients on any origin to reach the gateway.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
