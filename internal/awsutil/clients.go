package awsutil

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// LocalStack endpoint override keeps local dev off real AWS; static dummy
// creds are what LocalStack expects.
func loadConfig(ctx context.Context, region string) (aws.Config, string, error) {
	endpoint := os.Getenv("LOCALSTACK_ENDPOINT") // e.g. http://localhost:4566

	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(region),
	}
	if endpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := configv2.LoadDefaultConfig(ctx, opts...)
	return cfg, endpoint, err
}

func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	cfg, endpoint, err := loadConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}), nil
	}
	return sqs.NewFromConfig(cfg), nil
}

func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	cfg, endpoint, err := loadConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}), nil
	}
	return s3.NewFromConfig(cfg), nil
}
