// Package main provides the Lambda entry point for the ward-safety REST API.
//
// API Gateway (HTTP API, payload v2) proxies every /api/* route here through
// the httpadapter. The Lambda has no live event channel: broadcasts reach
// no clients, and accident events are delivered through EventBridge instead.
//
// Configuration comes from WARD_* environment variables:
//   - WARD_DYNAMO_TABLE: single-table store (required)
//   - WARD_JWT_SECRET_PARAM / WARD_DEVICE_SECRET_PARAM: SSM SecureString names
//   - WARD_EVIDENCE_BUCKET: S3 bucket for pose evidence (optional)
//   - WARD_EVENT_BUS: EventBridge bus for accident events (optional)
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/api"
	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/config"
	"github.com/fpang/ward-safety/internal/fanout"
	"github.com/fpang/ward-safety/internal/lambdaboot"
	"github.com/fpang/ward-safety/internal/logging"
	"github.com/fpang/ward-safety/internal/metrics"
)

var version = "dev"

var handler http.Handler

func init() {
	start := time.Now()
	logging.InitJSON(os.Stdout)
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("WARD_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	clients := lambdaboot.InitAWS(ctx)

	jwtSecret, err := lambdaboot.LoadSecret(ctx, clients.SSM, cfg.Auth.JWTSecret, cfg.Auth.JWTSecretParam)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load JWT secret")
	}
	if jwtSecret == "" {
		log.Fatal().Msg("JWT secret not configured. Set WARD_JWT_SECRET_PARAM")
	}
	deviceSecret, err := lambdaboot.LoadSecret(ctx, clients.SSM, cfg.Auth.DeviceSecret, cfg.Auth.DeviceSecretParam)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load device secret")
	}
	devices := auth.NewDeviceVerifier(deviceSecret)

	deps := api.Deps{
		Store:          lambdaboot.InitDynamo(clients.Config, cfg.Store.Table),
		Hub:            fanout.NewHub(fanout.Options{}),
		Issuer:         auth.NewIssuer(jwtSecret, cfg.Auth.TokenTTL),
		Devices:        devices,
		Observer:       metrics.EMFObserver{W: os.Stdout},
		EnvDefaults:    cfg.Environment,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	if up := lambdaboot.InitEvidence(clients.Config, cfg.Evidence.Bucket); up != nil {
		deps.Evidence = up
	}
	if em := lambdaboot.InitEvents(clients.Config, cfg.Events.Bus); em != nil {
		deps.Events = em
	}
	handler = api.NewServer(deps).Handler()

	lambdaboot.StartupLog("ward-lambda", start).
		Version(version).
		DynamoTable("store", cfg.Store.Table).
		S3Bucket("evidence", cfg.Evidence.Bucket).
		SSMParam("jwtSecret", cfg.Auth.JWTSecretParam).
		SSMParam("deviceSecret", cfg.Auth.DeviceSecretParam).
		EventBus("accidents", cfg.Events.Bus).
		Feature("deviceSignatures", devices.Enabled()).
		Config("tokenTTL", cfg.Auth.TokenTTL.String()).
		Log()
}

func main() {
	adapter := httpadapter.NewV2(handler)
	lambda.Start(adapter.ProxyWithContext)
}
