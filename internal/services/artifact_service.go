package services

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/pipeline"
	"dream-forge-backend/internal/providers"
	"dream-forge-backend/internal/storage"

	"github.com/google/uuid"
)

// ArtifactService moves user uploads and provider outputs into our own
// storage so URLs outlive the provider's retention window.
type ArtifactService struct {
	storage storage.Backend
	logger  *logger.Logger
	now     func() time.Time
}

func NewArtifactService(backend storage.Backend, log *logger.Logger) *ArtifactService {
	return &ArtifactService{
		storage: backend,
		logger:  log.With("component", "ArtifactService"),
		now:     time.Now,
	}
}

func (a *ArtifactService) Backend() storage.Backend {
	return a.storage
}

func (a *ArtifactService) put(ctx context.Context, key string, in ImageInput) (string, error) {
	if len(in.Data) > 0 {
		contentType := in.ContentType
		if contentType == "" {
			contentType = storage.ContentTypeForKey(key)
		}
		return a.storage.UploadBuffer(ctx, key, in.Data, contentType)
	}
	return a.storage.UploadFromURL(ctx, key, in.URL)
}

func contentTypeOf(in ImageInput) string {
	if in.ContentType != "" {
		return in.ContentType
	}
	if in.URL != "" {
		return storage.ContentTypeForKey(in.URL)
	}
	return "image/png"
}

// StoreInputImage saves a source photo for a pipeline.
func (a *ArtifactService) StoreInputImage(ctx context.Context, userID, pipelineID uuid.UUID, in ImageInput) (models.InputImage, error) {
	if in.empty() {
		return models.InputImage{}, ErrNoImage
	}
	key := storage.InputImageKey(userID, pipelineID, contentTypeOf(in))
	url, err := a.put(ctx, key, in)
	if err != nil {
		return models.InputImage{}, fmt.Errorf("failed to store input image: %w", err)
	}
	return models.InputImage{URL: url, StoragePath: key, UploadedAt: a.now()}, nil
}

// StoreView saves a generated or uploaded view for an angle.
func (a *ArtifactService) StoreView(ctx context.Context, userID, ownerID uuid.UUID, angle models.ViewAngle, in ImageInput, source models.ViewSource) (models.ViewImage, error) {
	if in.empty() {
		return models.ViewImage{}, ErrNoImage
	}
	now := a.now()
	key := storage.ViewKey(userID, ownerID, angle, contentTypeOf(in), now)
	url, err := a.put(ctx, key, in)
	if err != nil {
		return models.ViewImage{}, fmt.Errorf("failed to store %s view: %w", angle, err)
	}
	return models.ViewImage{URL: url, StoragePath: key, Source: source, CreatedAt: now}, nil
}

// StoreSessionImage saves a session source photo.
func (a *ArtifactService) StoreSessionImage(ctx context.Context, userID, sessionID uuid.UUID, in ImageInput) (models.InputImage, error) {
	if in.empty() {
		return models.InputImage{}, ErrNoImage
	}
	key := storage.SessionKey(userID, sessionID, "source_"+uuid.NewString()+storage.ExtensionFor(contentTypeOf(in)))
	url, err := a.put(ctx, key, in)
	if err != nil {
		return models.InputImage{}, fmt.Errorf("failed to store session image: %w", err)
	}
	return models.InputImage{URL: url, StoragePath: key, UploadedAt: a.now()}, nil
}

// StoreModelResult copies a provider's model files into storage. A file that
// cannot be copied keeps its provider URL so the stage still completes.
func (a *ArtifactService) StoreModelResult(ctx context.Context, p *models.Pipeline, stage models.Stage, res *providers.ModelResult) pipeline.StageResult {
	format := strings.ToLower(strings.TrimSpace(p.Settings.Format))
	if format == "" {
		format = "glb"
	}
	out := pipeline.StageResult{MeshTaskID: res.TaskID}

	modelURL := a.copy(ctx, storage.ModelKey(p.UserID, p.ID, stage, "model."+modelExt(res.ModelURL, format)), res.ModelURL)
	switch stage {
	case models.StageMesh:
		out.MeshURL = modelURL
	case models.StageTexture:
		out.TexturedModelURL = modelURL
	}
	if res.ThumbnailURL != "" {
		out.ThumbnailURL = a.copy(ctx, storage.ModelKey(p.UserID, p.ID, stage, "thumbnail"+thumbnailExt(res.ThumbnailURL)), res.ThumbnailURL)
	}
	for _, f := range res.Files {
		if f.URL == "" {
			continue
		}
		url := modelURL
		if f.URL != res.ModelURL {
			url = a.copy(ctx, storage.ModelKey(p.UserID, p.ID, stage, f.Name), f.URL)
		}
		out.DownloadFiles = append(out.DownloadFiles, models.DownloadFile{Name: f.Name, URL: url})
	}
	return out
}

func (a *ArtifactService) copy(ctx context.Context, key, sourceURL string) string {
	url, err := a.storage.UploadFromURL(ctx, key, sourceURL)
	if err != nil {
		a.logger.Warn("failed to copy provider file; keeping provider url", "key", key, "error", err)
		return sourceURL
	}
	return url
}

// Delete removes stored files, best effort.
func (a *ArtifactService) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := a.storage.DeleteFile(ctx, key); err != nil {
			a.logger.Warn("failed to delete stored file", "key", key, "error", err)
		}
	}
}

// modelExt prefers the extension in the provider URL, since providers fall
// back to glb when the requested format is unavailable.
func modelExt(url, format string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0])), ".")
	switch ext {
	case "glb", "gltf", "fbx", "obj", "stl", "usdz", "3mf":
		return ext
	}
	return format
}

func thumbnailExt(url string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0]))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp":
		return ext
	}
	return ".png"
}
