package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	storagego "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// SupabaseBackend stores objects in a Supabase Storage bucket.
type SupabaseBackend struct {
	client  *storagego.Client
	bucket  string
	baseURL string
}

func NewSupabaseBackend(supabaseURL, serviceRoleKey, bucket string) (*SupabaseBackend, error) {
	baseURL := strings.TrimRight(supabaseURL, "/")
	client, err := supabase.NewClient(baseURL, serviceRoleKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseBackend{
		client:  client.Storage,
		bucket:  bucket,
		baseURL: baseURL,
	}, nil
}

func (s *SupabaseBackend) Name() string { return "supabase" }

// The storage-go client has no context support; calls run to completion.
func (s *SupabaseBackend) UploadBuffer(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	upsert := true
	_, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), storagego.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	return s.PublicURL(key), nil
}

func (s *SupabaseBackend) UploadFromURL(ctx context.Context, key, sourceURL string) (string, error) {
	return uploadFromURL(ctx, s, key, sourceURL)
}

// GetDownloadURL signs a URL when an expiry is given, otherwise returns the
// public object URL.
func (s *SupabaseBackend) GetDownloadURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		return s.PublicURL(key), nil
	}
	resp, err := s.client.CreateSignedUrl(s.bucket, key, int(expiry.Seconds()))
	if err != nil {
		return "", fmt.Errorf("failed to sign url for %q: %w", key, err)
	}
	return resp.SignedURL, nil
}

func (s *SupabaseBackend) DeleteFile(_ context.Context, key string) error {
	if _, err := s.client.RemoveFile(s.bucket, []string{key}); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (s *SupabaseBackend) FileExists(_ context.Context, key string) (bool, error) {
	dir, name := path.Split(key)
	files, err := s.client.ListFiles(s.bucket, strings.TrimSuffix(dir, "/"), storagego.FileSearchOptions{Limit: 1000})
	if err != nil {
		return false, fmt.Errorf("failed to list files: %w", err)
	}
	for _, f := range files {
		if f.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *SupabaseBackend) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, key)
}
