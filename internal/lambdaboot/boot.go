// Package lambdaboot wires AWS-backed dependencies at process start.
//
// The Lambda entry point and the long-running server both need some subset
// of: AWS config, the DynamoDB store, the evidence bucket, the EventBridge
// emitter, secrets from SSM, and a startup log line. Each binary's startup is
// a short composition of these helpers.
package lambdaboot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/events"
	"github.com/fpang/ward-safety/internal/evidence"
	"github.com/fpang/ward-safety/internal/logging"
	"github.com/fpang/ward-safety/internal/store"
)

// AWSClients holds the shared AWS config and the SSM client.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config. Fatals on error.
func InitAWS(ctx context.Context) AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitDynamo creates the DynamoDB store for table. Fatals if table is empty.
func InitDynamo(cfg aws.Config, table string) *store.DynamoStore {
	if table == "" {
		log.Fatal().Msg("DynamoDB table name is required")
	}
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), table)
}

// InitEvidence creates the evidence uploader, or returns nil (with a
// warning) when no bucket is configured.
func InitEvidence(cfg aws.Config, bucket string) *evidence.Uploader {
	if bucket == "" {
		log.Warn().Msg("Evidence bucket not set, pose evidence will not be stored")
		return nil
	}
	return evidence.NewUploader(s3.NewFromConfig(cfg), bucket)
}

// InitEvents creates the EventBridge emitter, or returns nil when no bus is
// configured.
func InitEvents(cfg aws.Config, bus string) *events.Emitter {
	if bus == "" {
		log.Warn().Msg("Event bus not set, accident events will not be published")
		return nil
	}
	return events.NewEmitter(eventbridge.NewFromConfig(cfg), bus)
}

// GetParameterAPI is the subset of the SSM client used by LoadSecret.
type GetParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret returns value when it is set, otherwise the decrypted SSM
// parameter named param. Both empty yields "".
func LoadSecret(ctx context.Context, client GetParameterAPI, value, param string) (string, error) {
	if value != "" || param == "" {
		return value, nil
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", param, err)
	}
	log.Debug().Str("param", param).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}

// StartupLog returns a startup logger stamped with the time since start.
func StartupLog(name string, start time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(start))
}
