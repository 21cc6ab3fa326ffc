package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchive stores compressed uploads in an S3-compatible bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects and creates the bucket when it is missing.
func NewMinioArchive(ctx context.Context, cfg MinioConfig) (*MinioArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

func (a *MinioArchive) Put(ctx context.Context, fingerprint, filename string, data []byte) (string, error) {
	key := objectKey(fingerprint, filename)
	payload := compress(data)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/zstd",
		UserMetadata: map[string]string{
			"fingerprint": fingerprint,
			"filename":    filename,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload archive %s: %w", key, err)
	}
	return key, nil
}

func (a *MinioArchive) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", key, err)
	}
	defer object.Close()

	raw, err := io.ReadAll(object)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil, fmt.Errorf("%s: %w", key, ErrNotArchived)
		}
		return nil, fmt.Errorf("read archive %s: %w", key, err)
	}
	return decompress(raw)
}
