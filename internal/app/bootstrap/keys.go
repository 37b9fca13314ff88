package bootstrap

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"

	appconfig "github.com/wolfman30/phi-deid-engine/internal/config"
	"github.com/wolfman30/phi-deid-engine/internal/kms"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// BuildKeyService wires the reversal key provider named by KEY_PROVIDER.
// awsCfg is only used for the aws provider.
func BuildKeyService(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (kms.KeyService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.KeyProvider {
	case "aws":
		logger.Info("reversal keys served by aws kms", "region", cfg.AWSRegion)
		return kms.NewAWSKeyService(awskms.NewFromConfig(awsCfg)), nil
	case "local", "":
		if cfg.Env == "production" {
			logger.Warn("local reversal keys in production; use KEY_PROVIDER=aws")
		}
		logger.Info("reversal keys served locally", "key_count", len(cfg.LocalKeys))
		return kms.NewLocalKeyService(cfg.LocalKeys), nil
	}
	return nil, fmt.Errorf("bootstrap: unknown key provider %q", cfg.KeyProvider)
}
