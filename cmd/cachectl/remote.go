package main

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/blobstore/minio"
	"github.com/hupe1980/ttlstore/blobstore/s3"
)

// openRemote returns the table store and, for s3 with a lock table, the
// manifest store. Both are nil for a local-only configuration.
func openRemote(ctx context.Context, rc remoteConfig) (data, manifest blobstore.BlobStore, err error) {
	if rc.Kind == "" {
		return nil, nil, nil
	}
	if rc.Bucket == "" {
		return nil, nil, errors.New("remote: bucket is required")
	}

	switch rc.Kind {
	case "s3":
		client, err := s3.NewClient(ctx, rc.Region)
		if err != nil {
			return nil, nil, fmt.Errorf("remote: %w", err)
		}
		store := s3.NewStore(client, rc.Bucket, rc.Prefix)
		if rc.LockTable == "" {
			return store, nil, nil
		}
		var opts []func(*awsconfig.LoadOptions) error
		if rc.Region != "" {
			opts = append(opts, awsconfig.WithRegion(rc.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("remote: %w", err)
		}
		baseURI := fmt.Sprintf("s3://%s/%s", rc.Bucket, rc.Prefix)
		return store, s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), rc.LockTable, baseURI), nil
	case "minio":
		store, err := minio.Dial(minio.Config{
			Endpoint:  rc.Endpoint,
			AccessKey: rc.AccessKey,
			SecretKey: rc.SecretKey,
			Region:    rc.Region,
			Secure:    rc.Secure,
			Bucket:    rc.Bucket,
			Prefix:    rc.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("remote: %w", err)
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("remote: unknown kind %q", rc.Kind)
	}
}
