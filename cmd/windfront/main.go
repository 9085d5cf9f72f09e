package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/api/handlers"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/clock"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/config"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/controls"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/mockbridge"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/store"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/token"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/transport"
)

const (
	logHistoryCapacity    = 1000
	notificationsRetained = 200
)

func main() {
	configPath := flag.String("config", getEnv("WINDFRONT_CONFIG", ""), "path to the TOML config file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create database directory")
	}
	tokens, err := token.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open token store")
	}
	defer tokens.Close()

	appStore := store.New(logHistoryCapacity)
	notifier := store.NewNotifier(notificationsRetained)
	notifier.Subscribe(func(n store.Notification) {
		log.Info().
			Int("conn", n.ConnIndex).
			Str("topic", n.Topic).
			Str("status", n.Status).
			Str("error", n.Error).
			Msg("request completed")
	})

	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	if cfg.Mock {
		mock := mockbridge.New(log.Logger)
		mock.RegisterRoutes(r.Group("/mock"))
		log.Info().Msg("mock bridge enabled at /mock/ws")
	}

	// In mock mode the endpoint points back at this process; the first dial
	// may lose the race against the listener and is covered by reconnect.
	manager, err := transport.Bootstrap(transport.Options{
		Endpoints:   cfg.Endpoints,
		ProxyMode:   cfg.ProxyMode,
		ProxyOrigin: cfg.APIBind,
		Store:       appStore,
		Notifier:    notifier,
		Credentials: tokens,
		Clock:       clock.System{},
		Logger:      log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap transport")
	}

	controlManager := controls.NewManager(manager, appStore, clock.System{}, log.Logger)

	dashboard := handlers.NewDashboard(appStore, notifier, manager, controlManager)
	api := r.Group("/api")
	dashboard.RegisterRoutes(api)

	// Graceful shutdown: destroy the transport before exiting so in-flight
	// requests reject and sockets close with the teardown code.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")
		manager.Destroy("shutdown")
		tokens.Close()
		os.Exit(0)
	}()

	log.Info().Str("bind", cfg.APIBind).Msg("starting server")
	if err := r.Run(cfg.APIBind); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
