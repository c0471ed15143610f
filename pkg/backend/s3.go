package backend

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 configures an S3-compatible storage backend. With EnvAuth set, rclone
// resolves credentials from the environment and the key fields must stay
// empty.
type S3 struct {
	Provider        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	EnvAuth         bool
	// LocationConstraint applies only when creating buckets.
	LocationConstraint   string
	ACL                  string
	ServerSideEncryption string
	StorageClass         string
}

func (c *S3) Type() string { return "s3" }

func (c *S3) Values() (map[string]string, error) {
	acl := c.ACL
	if acl == "" {
		acl = "private"
	}
	return map[string]string{
		"provider":               c.Provider,
		"access_key_id":          c.AccessKeyID,
		"secret_access_key":      c.SecretAccessKey,
		"region":                 c.Region,
		"endpoint":               c.Endpoint,
		"env_auth":               fmt.Sprintf("%t", c.EnvAuth),
		"location_constraint":    c.LocationConstraint,
		"acl":                    acl,
		"server_side_encryption": c.ServerSideEncryption,
		"storage_class":          c.StorageClass,
	}, nil
}

// Preflight verifies the bucket is reachable with the configured
// credentials before a mount process is ever started. A misconfigured
// backend fails here with a useful error instead of as a readiness timeout.
func (c *S3) Preflight(ctx context.Context, bucket string) error {
	opts := []func(*awsconfig.LoadOptions) error{}
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if !c.EnvAuth {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("bucket %s not reachable: %w", bucket, err)
	}
	return nil
}
