// FORGELOOP server: autonomous multi-agent code-generation orchestrator
// and LLM gateway.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"forgeloop/internal/ai"
	"forgeloop/internal/api"
	"forgeloop/internal/config"
	"forgeloop/internal/events"
	"forgeloop/internal/gateway"
	"forgeloop/internal/logging"
	"forgeloop/internal/orchestrator"
	"forgeloop/internal/sandbox"
	"forgeloop/internal/session"
	"forgeloop/internal/transport"
	"forgeloop/internal/websocket"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.S()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("configuration invalid", "error", err)
	}

	runner := transport.NewSSHRunner(transport.Config{
		Host:    cfg.VPSHost,
		User:    cfg.VPSUser,
		KeyPath: cfg.VPSSSHKey,
	})

	sandboxMgr := sandbox.NewManager(sandbox.Config{
		MaxConcurrent: cfg.MaxConcurrentContainers,
		CPULimit:      cfg.ContainerCPULimit,
		MemoryLimit:   cfg.ContainerMemoryLimit,
		DiskLimit:     cfg.ContainerDiskLimit,
		MaxLifetime:   cfg.MaxExecutionTime,
	}, runner)

	bot := ai.NewBotClient(ai.BotConfig{
		BaseURL: cfg.BotBaseURL,
		Secret:  cfg.BotSecret,
		ModelID: cfg.BotModelID,
	})
	chat := ai.NewChatClient(ai.ChatConfig{
		PrimaryURL:  cfg.ChatPrimaryURL,
		PrimaryKey:  cfg.ChatPrimaryKey,
		FallbackURL: cfg.ChatFallbackURL,
		Timeout:     cfg.ChatTimeout,
	})

	gw := gateway.New(gateway.Config{
		Concurrency: cfg.GatewayConcurrency,
		Models: gateway.ModelSet{
			Large: cfg.LargeModel,
			Mid:   cfg.MidModel,
			Small: cfg.SmallModel,
			Fixer: cfg.FixerModel,
		},
	}, bot, chat)

	bus := events.NewBus()
	sessions := session.NewStore()
	hub := websocket.NewHub(bus)

	orch := orchestrator.New(orchestrator.Config{
		MaxIterations:        cfg.MaxIterations,
		MaxOrchestrationTime: cfg.MaxOrchestrationTime,
	}, sandboxMgr, bus, sessions)

	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(orch, sandboxMgr, gw, sessions, hub).Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infow("forgeloop server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	orch.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cleanup := sandboxMgr.CleanupAll(ctx)
	log.Infow("sandbox cleanup", "total", cleanup.Total, "ok", cleanup.OK, "failed", cleanup.Failed)

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	sessions.Close()
	sandboxMgr.Close()
	log.Info("forgeloop stopped")
}
