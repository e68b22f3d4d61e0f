// Package awsutil loads the shared AWS client configuration.
package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
)

// Load builds the AWS configuration for the given region. A non-empty
// endpoint points every service client at a local emulator such as
// LocalStack or ElasticMQ instead of AWS.
func Load(ctx context.Context, region, endpoint string) (aws.Config, error) {
	opts := []func(*awsCfg.LoadOptions) error{awsCfg.WithRegion(region)}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(_, _ string, _ ...any) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               endpoint,
				HostnameImmutable: true,
				PartitionID:       "aws",
			}, nil
		})
		opts = append(opts, awsCfg.WithEndpointResolverWithOptions(resolver))
	}
	return awsCfg.LoadDefaultConfig(ctx, opts...)
}
