package mainconfig

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/phi-deid-engine/internal/config"
)

func TestLoadAWSConfigEndpointOverride(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg := &appconfig.Config{
		AWSRegion:           "ca-central-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	}

	awsCfg, err := LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	if awsCfg.Region != "ca-central-1" {
		t.Fatalf("expected region ca-central-1, got %s", awsCfg.Region)
	}
	endpoint, err := awsCfg.EndpointResolverWithOptions.ResolveEndpoint(sqs.ServiceID, "ca-central-1")
	if err != nil {
		t.Fatalf("resolve sqs endpoint: %v", err)
	}
	if endpoint.URL != "http://localhost:4566" {
		t.Fatalf("unexpected endpoint %s", endpoint.URL)
	}
	if _, err := awsCfg.EndpointResolverWithOptions.ResolveEndpoint("DynamoDB", "ca-central-1"); err == nil {
		t.Fatalf("expected unknown services to fall through")
	}

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	if err != nil || creds.AccessKeyID != "test" {
		t.Fatalf("expected static credentials, got %v %v", creds.AccessKeyID, err)
	}
}
