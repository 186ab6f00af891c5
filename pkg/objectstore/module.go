package objectstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/fx"

	"github.com/tensorhaul/tensorhaul/pkg/config"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
)

// Factory returns the Client for a bucket. An empty bucket selects the
// configured default bucket. Implementations cache clients per bucket.
type Factory func(ctx context.Context, bucket string) (Client, error)

// Module provides the object storage client Factory selected by the
// application configuration. Clients are wrapped with the configured
// per-operation timeout.
var Module fx.Option = fx.Provide(provideFactory)

func provideFactory(cfg *config.Config, logger logging.Interface) (Factory, error) {
	if cfg.DefaultStorage.Provider != "s3" {
		return nil, fmt.Errorf("objectstore: unsupported provider %q", cfg.DefaultStorage.Provider)
	}

	var mu sync.Mutex
	clients := make(map[string]Client)

	return func(ctx context.Context, bucket string) (Client, error) {
		if bucket == "" {
			bucket = cfg.DefaultStorage.Bucket
		}
		if bucket == "" {
			return nil, fmt.Errorf("objectstore: no bucket specified and none configured")
		}

		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[bucket]; ok {
			return c, nil
		}

		s3cfg := DefaultS3Config()
		s3cfg.Region = cfg.DefaultStorage.Region
		s3cfg.Endpoint = cfg.DefaultStorage.Endpoint
		s3cfg.Bucket = bucket
		s3cfg.ForcePathStyle = cfg.DefaultStorage.ForcePathStyle
		s3cfg.AccessKeyID = cfg.DefaultStorage.AccessKeyID
		s3cfg.SecretAccessKey = cfg.DefaultStorage.SecretAccessKey
		if cfg.TransferOptions.ChunkSize > 0 {
			s3cfg.PartSize = cfg.TransferOptions.ChunkSize
		}
		if cfg.TransferOptions.ConcurrentUploads > 0 {
			s3cfg.Concurrency = cfg.TransferOptions.ConcurrentUploads
		}

		client, err := NewS3Client(ctx, s3cfg, logger)
		if err != nil {
			return nil, err
		}

		var c Client = client
		if d := cfg.MountTimeout(); d > 0 {
			c = WithTimeout(c, d)
		}
		clients[bucket] = c
		return c, nil
	}, nil
}
