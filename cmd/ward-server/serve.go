package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/ward-safety/internal/api"
	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/environment"
	"github.com/fpang/ward-safety/internal/fanout"
	"github.com/fpang/ward-safety/internal/lambdaboot"
	"github.com/fpang/ward-safety/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	start := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	cfg := e.cfg

	issuer, err := e.issuer(ctx)
	if err != nil {
		return err
	}
	deviceSecret, err := e.deviceSecret(ctx)
	if err != nil {
		return err
	}
	devices := auth.NewDeviceVerifier(deviceSecret)
	if !devices.Enabled() {
		log.Warn().Msg("Device secret not set, fall and environment reports are accepted unsigned")
	}

	hub := fanout.NewHub(fanout.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
	})
	defer hub.Close()

	collector := metrics.NewCollector()
	collector.GaugeFunc("ward_ws_clients", "Connected event channel clients", func() float64 {
		return float64(hub.Stats().Connected)
	})
	collector.GaugeFunc("ward_ws_broadcasts_total", "Events broadcast", func() float64 {
		return float64(hub.Stats().Broadcasts)
	})
	collector.GaugeFunc("ward_ws_send_failures_total", "Failed event deliveries", func() float64 {
		return float64(hub.Stats().Failed)
	})

	deps := api.Deps{
		Store:          e.store,
		Hub:            hub,
		Issuer:         issuer,
		Devices:        devices,
		Observer:       collector,
		Counters:       collector,
		EnvDefaults:    cfg.Environment,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	// Assigned only when configured so the interfaces stay nil otherwise.
	if e.aws != nil {
		if up := lambdaboot.InitEvidence(e.aws.Config, cfg.Evidence.Bucket); up != nil {
			deps.Evidence = up
		}
		if em := lambdaboot.InitEvents(e.aws.Config, cfg.Events.Bus); em != nil {
			deps.Events = em
		}
	}
	srv := api.NewServer(deps)

	var ingestor *environment.Ingestor
	if cfg.MQTT.Broker != "" {
		ingestor = environment.NewIngestor(cfg.MQTT, e.store, cfg.Environment, func(a environment.Alert) {
			srv.PublishEnvAlert(context.Background(), a)
		})
		if err := ingestor.Connect(ctx); err != nil {
			log.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT ingestor unavailable, continuing without it")
			ingestor = nil
		} else {
			defer ingestor.Disconnect()
			collector.GaugeFunc("ward_mqtt_messages_total", "MQTT sensor messages received", func() float64 {
				return float64(ingestor.Stats().Received)
			})
		}
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", hub)
	mux.Handle("GET /metrics", collector.Handler())
	mux.Handle("/", srv.Handler())

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	lambdaboot.StartupLog("ward-server", start).
		Version(version).
		DynamoTable("store", cfg.Store.Table).
		S3Bucket("evidence", cfg.Evidence.Bucket).
		SSMParam("jwtSecret", cfg.Auth.JWTSecretParam).
		SSMParam("deviceSecret", cfg.Auth.DeviceSecretParam).
		EventBus("accidents", cfg.Events.Bus).
		MQTTBroker("environment", cfg.MQTT.Broker).
		Feature("deviceSignatures", devices.Enabled()).
		Feature("mqttIngest", ingestor != nil).
		Config("addr", cfg.HTTP.Addr).
		Config("storeBackend", cfg.Store.Backend).
		Config("tokenTTL", cfg.Auth.TokenTTL.String()).
		Log()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("Starting API server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
		return err
	}
	if err, ok := <-errCh; ok && err != nil {
		return err
	}
	return nil
}
