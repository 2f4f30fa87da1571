package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const firebaseTokenKey = "firebaseStorageDownloadTokens"

// FirebaseBackend stores objects in the Firebase Storage bucket through the
// Cloud Storage API and serves them with Firebase download-token URLs.
type FirebaseBackend struct {
	client *gcs.Client
	bucket string
}

func NewFirebaseBackend(ctx context.Context, bucket, credentialsFile string) (*FirebaseBackend, error) {
	opts := []option.ClientOption{option.WithScopes(gcs.ScopeReadWrite)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &FirebaseBackend{client: client, bucket: bucket}, nil
}

func (f *FirebaseBackend) Name() string { return "firebase" }

func (f *FirebaseBackend) UploadBuffer(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	token := uuid.NewString()
	w := f.client.Bucket(f.bucket).Object(key).NewWriter(ctx)
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	w.ContentType = contentType
	w.Metadata = map[string]string{firebaseTokenKey: token}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return f.tokenURL(key, token), nil
}

func (f *FirebaseBackend) UploadFromURL(ctx context.Context, key, sourceURL string) (string, error) {
	return uploadFromURL(ctx, f, key, sourceURL)
}

// GetDownloadURL returns the token URL of the object, minting a token for
// objects written without one. Firebase tokens do not expire.
func (f *FirebaseBackend) GetDownloadURL(ctx context.Context, key string, _ time.Duration) (string, error) {
	obj := f.client.Bucket(f.bucket).Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read object %q: %w", key, err)
	}
	if token := attrs.Metadata[firebaseTokenKey]; token != "" {
		return f.tokenURL(key, token), nil
	}

	token := uuid.NewString()
	meta := map[string]string{firebaseTokenKey: token}
	for k, v := range attrs.Metadata {
		if k != firebaseTokenKey {
			meta[k] = v
		}
	}
	if _, err := obj.Update(ctx, gcs.ObjectAttrsToUpdate{Metadata: meta}); err != nil {
		return "", fmt.Errorf("failed to set download token on %q: %w", key, err)
	}
	return f.tokenURL(key, token), nil
}

func (f *FirebaseBackend) DeleteFile(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := f.client.Bucket(f.bucket).Object(key).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", key, f.bucket, err)
	}
	return nil
}

func (f *FirebaseBackend) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := f.client.Bucket(f.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat object %q: %w", key, err)
	}
	return true, nil
}

func (f *FirebaseBackend) Close() error {
	return f.client.Close()
}

func (f *FirebaseBackend) tokenURL(key, token string) string {
	return FirebaseDownloadURL(f.bucket, key, token)
}

// FirebaseDownloadURL is the public download URL Firebase clients use.
func FirebaseDownloadURL(bucket, key, token string) string {
	return fmt.Sprintf("https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media&token=%s",
		bucket, url.PathEscape(key), url.QueryEscape(token))
}
