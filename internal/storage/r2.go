package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// PublicBaseURL is the bucket's public (r2.dev or custom domain) URL.
	// Without it objects are served through presigned URLs.
	PublicBaseURL string
	// Endpoint overrides the account endpoint, for S3-compatible test servers.
	Endpoint string
	Insecure bool
}

// R2Backend stores objects in Cloudflare R2 through its S3 API.
type R2Backend struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

const defaultPresignExpiry = 24 * time.Hour

func NewR2Backend(cfg R2Config) (*R2Backend, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: !cfg.Insecure,
		Region: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create r2 client: %w", err)
	}
	return &R2Backend{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func (r *R2Backend) Name() string { return "r2" }

func (r *R2Backend) UploadBuffer(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	_, err := r.client.PutObject(ctx, r.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %q to r2: %w", key, err)
	}
	return r.GetDownloadURL(ctx, key, defaultPresignExpiry)
}

func (r *R2Backend) UploadFromURL(ctx context.Context, key, sourceURL string) (string, error) {
	return uploadFromURL(ctx, r, key, sourceURL)
}

func (r *R2Backend) GetDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if r.publicBaseURL != "" {
		return r.publicBaseURL + "/" + key, nil
	}
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	u, err := r.client.PresignedGetObject(ctx, r.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %q: %w", key, err)
	}
	return u.String(), nil
}

func (r *R2Backend) DeleteFile(ctx context.Context, key string) error {
	if err := r.client.RemoveObject(ctx, r.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %q from r2: %w", key, err)
	}
	return nil
}

func (r *R2Backend) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NotFound" {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %q: %w", key, err)
}
