package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/config"
	"github.com/fpang/ward-safety/internal/lambdaboot"
	"github.com/fpang/ward-safety/internal/logging"
	"github.com/fpang/ward-safety/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLI flags
var configFlag string

var rootCmd = &cobra.Command{
	Use:   "ward-server",
	Short: "Ward patient-safety API server",
	Long: `Ward Server runs the patient-safety REST API, the live event channel
used by nurse-station dashboards, and the MQTT environment ingestor.

Configuration is read from a YAML file (--config) and WARD_* environment
variables. Without a config file the server uses an in-memory store.

Examples:
  ward-server serve
  ward-server serve --config /etc/ward/config.yaml
  ward-server seed --admin-password 'change-me-now'
  ward-server token --user 1`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", os.Getenv("WARD_CONFIG"), "Path to YAML config file")
	rootCmd.AddCommand(serveCmd, seedCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is the state shared by every subcommand.
type env struct {
	cfg   *config.Config
	store store.Store
	aws   *lambdaboot.AWSClients
}

// needsAWS reports whether any configured dependency is AWS-backed.
func needsAWS(cfg *config.Config) bool {
	return cfg.Store.Backend == config.BackendDynamo ||
		cfg.Auth.JWTSecretParam != "" ||
		cfg.Auth.DeviceSecretParam != "" ||
		cfg.Evidence.Bucket != "" ||
		cfg.Events.Bus != ""
}

// setup loads configuration and opens the store.
func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}
	if needsAWS(cfg) {
		clients := lambdaboot.InitAWS(ctx)
		e.aws = &clients
	}

	switch cfg.Store.Backend {
	case config.BackendDynamo:
		e.store = lambdaboot.InitDynamo(e.aws.Config, cfg.Store.Table)
	default:
		log.Warn().Msg("Using in-memory store, data is lost on exit")
		e.store = store.NewMemoryStore()
	}
	return e, nil
}

// jwtSecret resolves the signing secret: inline or SSM config first, then
// the environment variable or secret file.
func (e *env) jwtSecret(ctx context.Context) (string, error) {
	a := e.cfg.Auth
	if a.JWTSecret != "" || a.JWTSecretParam != "" {
		var client lambdaboot.GetParameterAPI
		if e.aws != nil {
			client = e.aws.SSM
		}
		return lambdaboot.LoadSecret(ctx, client, a.JWTSecret, a.JWTSecretParam)
	}
	return auth.GetSigningSecret()
}

func (e *env) deviceSecret(ctx context.Context) (string, error) {
	a := e.cfg.Auth
	if a.DeviceSecretParam == "" {
		return a.DeviceSecret, nil
	}
	return lambdaboot.LoadSecret(ctx, e.aws.SSM, a.DeviceSecret, a.DeviceSecretParam)
}

func (e *env) issuer(ctx context.Context) (*auth.Issuer, error) {
	secret, err := e.jwtSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("load JWT secret: %w", err)
	}
	if secret == "" {
		return nil, auth.ErrNoSecret
	}
	return auth.NewIssuer(secret, e.cfg.Auth.TokenTTL), nil
}
