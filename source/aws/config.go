// Package aws provides key-value sources backed by AWS services:
// Systems Manager Parameter Store, S3 and CloudFront KeyValueStore.
//
// Every source maps AWS response errors to *source.ServiceError so that
// throttling and server errors are retried and authorization failures are not.
package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
	"github.com/yacchi/kvmirror/source"
)

// Option is a marker interface for all AWS source options.
// Only types that implement this interface can be passed to NewXxxSource functions.
type Option interface {
	awsSourceOption()
}

// clientConfig holds shared AWS client configuration.
type clientConfig struct {
	awsConfig *aws.Config
	region    string
}

// ClientOption configures AWS client behavior.
// It implements the Option interface and can be used with any AWS source.
type ClientOption func(*clientConfig)

// awsSourceOption implements the Option interface.
func (ClientOption) awsSourceOption() {}

// WithAWSConfig sets a custom AWS configuration.
// If not provided, the default configuration is loaded from the environment.
//
// Example:
//
//	cfg, _ := config.LoadDefaultConfig(ctx, config.WithRegion("us-west-2"))
//	src := aws.NewS3Source("bucket", aws.WithAWSConfig(cfg))
func WithAWSConfig(cfg aws.Config) ClientOption {
	return func(c *clientConfig) {
		c.awsConfig = &cfg
	}
}

// WithRegion sets the region used when the default configuration is loaded.
func WithRegion(region string) ClientOption {
	return func(c *clientConfig) {
		c.region = region
	}
}

// loadAWSConfig returns the AWS config, loading the default if not set.
func loadAWSConfig(ctx context.Context, cfg *clientConfig) (aws.Config, error) {
	if cfg.awsConfig != nil {
		return *cfg.awsConfig, nil
	}

	var opts []func(*config.LoadOptions) error
	if cfg.region != "" {
		opts = append(opts, config.WithRegion(cfg.region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// mapError wraps err for op. AWS response errors become *source.ServiceError
// carrying the HTTP status and the service error code.
func mapError(op string, err error) error {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	svcErr := &source.ServiceError{
		Op:         op,
		StatusCode: respErr.HTTPStatusCode(),
		Err:        err,
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		svcErr.Code = apiErr.ErrorCode()
	}
	return svcErr
}
