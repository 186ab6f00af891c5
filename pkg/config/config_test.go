package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorhaul/tensorhaul/pkg/logging"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "s3", c.DefaultStorage.Provider)
	assert.Equal(t, "us-east-1", c.DefaultStorage.Region)
	assert.Equal(t, int64(1024), c.MountOptions.CacheSizeMB)
	assert.Equal(t, 300, c.MountOptions.TimeoutSeconds)
	assert.True(t, c.MountOptions.ReadOnly)
	assert.Equal(t, 4, c.TransferOptions.ConcurrentUploads)
	assert.Equal(t, int64(8*1024*1024), c.TransferOptions.ChunkSize)
	assert.Equal(t, 3, c.TransferOptions.RetryAttempts)
	assert.Equal(t, time.Second, c.SyncOptions.MtimeTolerance)
	require.NoError(t, c.Validate())
}

func TestWithViperOverlaysDefaults(t *testing.T) {
	v := viper.New()
	v.Set("default_storage.region", "eu-west-1")
	v.Set("default_storage.bucket", "artifacts")
	v.Set("mount_options.read_only", false)
	v.Set("transfer_options.concurrent_uploads", 8)

	c, err := NewConfig(WithViper(v, logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "eu-west-1", c.DefaultStorage.Region)
	assert.Equal(t, "artifacts", c.DefaultStorage.Bucket)
	assert.False(t, c.MountOptions.ReadOnly)
	assert.Equal(t, 8, c.TransferOptions.ConcurrentUploads)
	// untouched sections keep their defaults
	assert.Equal(t, int64(1024), c.MountOptions.CacheSizeMB)
	assert.Equal(t, 3, c.TransferOptions.RetryAttempts)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := DefaultConfig()
	c.DefaultStorage.Provider = "ftp"
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.MountOptions.CacheSizeMB = 0
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.TransferOptions.RetryAttempts = 0
	assert.Error(t, c.Validate())
}

func TestHelpers(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 300*time.Second, c.MountTimeout())
	assert.Equal(t, int64(1024*1024*1024), c.CacheBudget())
}
