package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"snaprgb/api"
	"snaprgb/app"
	"snaprgb/config"
	"snaprgb/database"
	"snaprgb/services"
	"snaprgb/utils"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Config error")
	}
	utils.InitLogger("snaprgb", cfg.Verbosity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var nc *nats.Conn
	if cfg.NatsUrl != "" || cfg.Transport == config.TransportNATS {
		if nc, err = services.ConnectNats(cfg.NatsUrl); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
	}

	var (
		transport services.Transport
		mqttSvc   *services.MqttService
	)
	switch cfg.Transport {
	case config.TransportNATS:
		transport = services.NewNatsTransport(nc, cfg.TopicPrefix, cfg.RPCTimeout)
	default:
		mqttSvc = services.NewMqttService(cfg.MqttClientID, cfg.MqttBroker, cfg.MqttUser, cfg.MqttPassword)
		if transport, err = services.StartMqttTransport(mqttSvc, cfg.TopicPrefix, cfg.RPCTimeout); err != nil {
			log.Fatal().Err(err).Msg("Failed to start MQTT service")
		}
	}

	log.Info().Str("device", cfg.Device).Msg("Resolving bridge address")
	bridgeAddr, err := transport.BridgeAddress(ctx, cfg.Device)
	if err != nil {
		log.Fatal().Err(err).Str("device", cfg.Device).Msg("Failed to find bridge address")
	}
	log.Info().Stringer("addr", bridgeAddr).Msg("Found bridge address")

	resolver, err := app.NewResolver(bridgeAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad bridge address")
	}

	metrics := services.NewCallMetrics()
	opts := []app.Option{app.WithObserver(metrics)}
	if nc != nil {
		opts = append(opts, app.WithReporter(services.NewStateReporter(nc)))
	}

	var db *sql.DB
	if cfg.DBHost != "" {
		if db, err = database.ConnectDB(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		opts = append(opts, app.WithJournal(app.NewSQLJournal(db)))
	}

	bridge := app.NewBridge(resolver, transport, opts...)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           api.NewRouter(bridge, metrics.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		// Requests inherit ctx so that pending calls are abandoned on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal, shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}

	if err := transport.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing transport")
	}
	if mqttSvc != nil {
		mqttSvc.Stop()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("Draining NATS")
		}
	}
	if db != nil {
		db.Close()
	}

	log.Info().Msg("Shutdown complete.")
}
