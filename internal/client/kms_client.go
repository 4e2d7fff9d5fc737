package client

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"otp-auth-service/internal/config"
)

// NewKMSClient loads credentials through the default AWS chain (env, shared
// config, instance role) for the configured region.
func NewKMSClient(cfg *config.Config, logger *zap.Logger) (*kms.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("KMS client initialized", zap.String("region", cfg.KMS.Region))
	return kms.NewFromConfig(awsCfg), nil
}
