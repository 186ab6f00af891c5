package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tensorhaul/tensorhaul/pkg/logging"
)

// S3Config holds the settings needed to construct an S3 client.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PartSize        int64  `mapstructure:"part_size"`
	Concurrency     int    `mapstructure:"concurrency"`
}

// DefaultS3Config returns the default S3 client configuration.
func DefaultS3Config() *S3Config {
	return &S3Config{
		Region:      "us-east-1",
		PartSize:    8 * 1024 * 1024,
		Concurrency: 4,
	}
}

// S3Client implements Client and MultipartClient against a single bucket.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   logging.Interface
}

var _ Client = (*S3Client)(nil)
var _ MultipartClient = (*S3Client)(nil)

// NewS3Client builds an S3-backed client for cfg.Bucket. Credentials come
// from the config when set, otherwise from the SDK default chain.
func NewS3Client(ctx context.Context, cfg *S3Config, logger logging.Interface) (*S3Client, error) {
	if cfg == nil {
		cfg = DefaultS3Config()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket not configured")
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultS3Config().PartSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultS3Config().Concurrency
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.Concurrency
		u.LeavePartsOnError = false
	})

	logger.WithField("bucket", cfg.Bucket).
		WithField("region", cfg.Region).
		Info("S3 client initialized")

	return &S3Client{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		logger:   logger,
	}, nil
}

// List returns all objects under prefix, ordered by key.
func (c *S3Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		resp, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, NewError("list", prefix, err)
		}
		for _, obj := range resp.Contents {
			info := ObjectInfo{
				Key:   aws.ToString(obj.Key),
				Size:  aws.ToInt64(obj.Size),
				IsDir: strings.HasSuffix(aws.ToString(obj.Key), "/"),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			if obj.ETag != nil {
				info.ETag = strings.Trim(*obj.ETag, "\"")
			}
			objects = append(objects, info)
		}
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Get returns a reader over the object content, honoring rng when set.
func (c *S3Client) Get(ctx context.Context, key string, rng *Range) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}

	resp, err := c.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, NewError("get", key, ErrNotFound)
		}
		return nil, NewError("get", key, err)
	}
	return resp.Body, nil
}

// Put stores r as the object at key. Large payloads go through the
// multipart-aware uploader.
func (c *S3Client) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	out, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return "", NewError("put", key, err)
	}
	return strings.Trim(aws.ToString(out.ETag), "\""), nil
}

// Delete removes the object at key. Missing keys are not an error.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return NewError("delete", key, err)
	}
	return nil
}

// Head returns metadata for the object at key.
func (c *S3Client) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, NewError("head", key, ErrNotFound)
		}
		return nil, NewError("head", key, err)
	}

	info := &ObjectInfo{
		Key:  key,
		Size: aws.ToInt64(resp.ContentLength),
	}
	if resp.LastModified != nil {
		info.LastModified = *resp.LastModified
	}
	if resp.ETag != nil {
		info.ETag = strings.Trim(*resp.ETag, "\"")
	}
	return info, nil
}

// InitiateMultipartUpload starts a multipart upload for key.
func (c *S3Client) InitiateMultipartUpload(ctx context.Context, key string) (string, error) {
	resp, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", NewError("initiate multipart", key, err)
	}
	return aws.ToString(resp.UploadId), nil
}

// UploadPart uploads one part of a multipart upload.
func (c *S3Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	resp, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", NewError("upload part", key, err)
	}
	return strings.Trim(aws.ToString(resp.ETag), "\""), nil
}

// CompleteMultipartUpload finalizes a multipart upload.
func (c *S3Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Number)),
			ETag:       aws.String(p.ETag),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return NewError("complete multipart", key, err)
	}
	return nil
}

// AbortMultipartUpload cancels a multipart upload.
func (c *S3Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return NewError("abort multipart", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
