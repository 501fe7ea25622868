package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/StarryCod/void-mes-sub000/internal/auth"
	"github.com/StarryCod/void-mes-sub000/internal/call"
	"github.com/StarryCod/void-mes-sub000/internal/config"
	"github.com/StarryCod/void-mes-sub000/internal/handler"
	"github.com/StarryCod/void-mes-sub000/internal/heartbeat"
	"github.com/StarryCod/void-mes-sub000/internal/metrics"
	"github.com/StarryCod/void-mes-sub000/internal/presence"
	"github.com/StarryCod/void-mes-sub000/internal/registry"
	"github.com/StarryCod/void-mes-sub000/internal/relay"
	"github.com/StarryCod/void-mes-sub000/internal/service"
	"github.com/StarryCod/void-mes-sub000/pkg/middleware"
	"github.com/gorilla/mux"
)

func main() {
	log.Println("Starting presence and signaling relay")

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Assemble the core: registry → relay → presence → calls
	collector := metrics.NewPrometheusCollector()
	reg := registry.New()
	rly := relay.New(reg, collector)
	tracker := presence.New(reg, rly, collector)
	calls := call.New(rly, tracker, collector, cfg.Call.StaleAfter)
	svc := service.New(reg, tracker, rly, calls, collector)

	// Heartbeat sweep keeps presence honest when clients vanish silently.
	// Evictions run the full service cascade so in-flight calls end too.
	monitor := heartbeat.New(reg, svc, calls, collector, cfg.Heartbeat.InactivityBound, cfg.Heartbeat.SweepInterval)
	monitor.Start()

	// Create handlers
	wsHandler := handler.NewWebSocketHandler(cfg, svc, auth.New(cfg.Auth.JWTSecret))
	httpHandler := handler.NewHTTPHandler(svc, collector)

	// Create HTTP router. The upgrade endpoint bypasses the middleware
	// chain: the logging wrapper does not implement http.Hijacker.
	router := mux.NewRouter()
	router.Handle(cfg.WebSocket.Path, wsHandler)
	api := router.PathPrefix("/").Subrouter()
	api.Use(middleware.Recovery, middleware.Logging)
	httpHandler.SetupRoutes(api)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start HTTP server
	go func() {
		log.Printf("Starting HTTP server on %s", cfg.HTTP.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	reg.CloseAll()

	log.Println("Shutdown complete")
}
