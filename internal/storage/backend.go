// Package storage stores uploaded photos, generated views and model files in
// one of the supported object stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"dream-forge-backend/internal/config"
	"dream-forge-backend/internal/models"

	"github.com/google/uuid"
)

// MaxDownloadBytes caps what UploadFromURL copies from a provider.
const MaxDownloadBytes = 200 << 20

var ErrTooLarge = errors.New("file exceeds maximum size")

type Backend interface {
	Name() string
	// UploadBuffer stores data at key and returns a URL clients can fetch.
	UploadBuffer(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// UploadFromURL copies a remote file (usually a provider result) into the store.
	UploadFromURL(ctx context.Context, key, sourceURL string) (string, error)
	GetDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	DeleteFile(ctx context.Context, key string) error
	FileExists(ctx context.Context, key string) (bool, error)
}

// New builds the backend selected by STORAGE_BACKEND.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "firebase":
		return NewFirebaseBackend(ctx, cfg.FirebaseBucket, cfg.FirebaseCredentialsFile)
	case "r2":
		return NewR2Backend(R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2Bucket,
			PublicBaseURL:   cfg.R2PublicBaseURL,
		})
	case "supabase":
		return NewSupabaseBackend(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	case "memory":
		return NewMemory(strings.TrimRight(cfg.BaseURL, "/") + "/files/"), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// InputImageKey is where an uploaded source photo lives.
func InputImageKey(userID, pipelineID uuid.UUID, contentType string) string {
	return fmt.Sprintf("users/%s/pipelines/%s/input/%s%s", userID, pipelineID, uuid.NewString(), ExtensionFor(contentType))
}

// ViewKey is where a generated or uploaded view lives. The timestamp keeps
// replaced views from being served stale by a CDN.
func ViewKey(userID, pipelineID uuid.UUID, angle models.ViewAngle, contentType string, now time.Time) string {
	return fmt.Sprintf("users/%s/pipelines/%s/views/%s_%d%s", userID, pipelineID, angle, now.Unix(), ExtensionFor(contentType))
}

// ModelKey is where a mesh or textured model file lives.
func ModelKey(userID, pipelineID uuid.UUID, stage models.Stage, name string) string {
	return fmt.Sprintf("users/%s/pipelines/%s/%s/%s", userID, pipelineID, stage, path.Base(name))
}

func SessionKey(userID, sessionID uuid.UUID, name string) string {
	return fmt.Sprintf("users/%s/sessions/%s/%s", userID, sessionID, path.Base(name))
}

func ExtensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "model/gltf-binary":
		return ".glb"
	case "model/stl":
		return ".stl"
	default:
		return ""
	}
}

// ContentTypeForKey guesses a content type from the key's extension.
func ContentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".webp"):
		return "image/webp"
	case strings.HasSuffix(s, ".glb"):
		return "model/gltf-binary"
	case strings.HasSuffix(s, ".gltf"):
		return "model/gltf+json"
	case strings.HasSuffix(s, ".obj"):
		return "model/obj"
	case strings.HasSuffix(s, ".stl"):
		return "model/stl"
	default:
		return "application/octet-stream"
	}
}

var fetchClient = &http.Client{Timeout: 5 * time.Minute}

// fetch downloads sourceURL into memory, bounded by MaxDownloadBytes.
func fetch(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxDownloadBytes {
		return nil, "", ErrTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Download fetches a file by URL, bounded by MaxDownloadBytes.
func Download(ctx context.Context, sourceURL string) ([]byte, error) {
	data, _, err := fetch(ctx, sourceURL)
	return data, err
}

func uploadFromURL(ctx context.Context, b Backend, key, sourceURL string) (string, error) {
	data, contentType, err := fetch(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	if contentType == "" || contentType == "application/octet-stream" || strings.HasPrefix(contentType, "binary/") {
		contentType = ContentTypeForKey(key)
	}
	return b.UploadBuffer(ctx, key, data, contentType)
}
