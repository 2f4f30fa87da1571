// Package providers holds the clients for the external generation services:
// Gemini for multi-angle views, Meshy and Tripo3D for meshes and textures.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dream-forge-backend/internal/models"
)

const (
	ProviderGemini = "gemini"
	ProviderMeshy  = "meshy"
	ProviderTripo  = "tripo"
)

// ViewRequest asks for one generated view of the subject in the source images.
type ViewRequest struct {
	SourceImageURLs []string
	Angle           models.ViewAngle
	Quality         models.Quality
}

type GeneratedImage struct {
	Data     []byte
	MimeType string
}

// MeshRequest builds a mesh from one or more confirmed views.
type MeshRequest struct {
	ImageURLs []string
	Quality   models.Quality
	Format    string
}

// TextureRequest textures a mesh produced by an earlier task of the same provider.
type TextureRequest struct {
	MeshTaskID string
	MeshURL    string
	StyleImage string
	Prompt     string
}

type ModelResult struct {
	TaskID       string
	ModelURL     string
	ThumbnailURL string
	Files        []models.DownloadFile
}

type ImageGenerator interface {
	GenerateView(ctx context.Context, req ViewRequest) (*GeneratedImage, error)
}

type MeshGenerator interface {
	Name() string
	GenerateMesh(ctx context.Context, req MeshRequest) (*ModelResult, error)
}

type TextureGenerator interface {
	Name() string
	GenerateTexture(ctx context.Context, req TextureRequest) (*ModelResult, error)
}

// BalanceChecker reports the remaining upstream credit balance.
type BalanceChecker interface {
	Name() string
	Balance(ctx context.Context) (int64, error)
}

// ModelProvider is implemented by mesh services that also texture and report balance.
type ModelProvider interface {
	MeshGenerator
	TextureGenerator
	BalanceChecker
}

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error: status %d, body: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TaskFailedError is a provider task that finished without a result.
type TaskFailedError struct {
	Provider string
	TaskID   string
	Status   string
	Message  string
}

func (e *TaskFailedError) Error() string {
	verb := "failed"
	if strings.EqualFold(e.Status, "expired") {
		verb = "expired"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s task %s: %s (id %s)", e.Provider, verb, e.Message, e.TaskID)
	}
	return fmt.Sprintf("%s task %s (id %s, status %s)", e.Provider, verb, e.TaskID, e.Status)
}

// WithTimeout runs fn under a deadline. Deadline expiry is reported as
// "request timed out" so the failure classifies as a network timeout.
func WithTimeout(ctx context.Context, d time.Duration, provider string, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(ctx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return fmt.Errorf("%s request timed out after %s: %w", provider, d, context.DeadlineExceeded)
	}
	return err
}

// Registry resolves mesh providers by name.
type Registry struct {
	models      map[string]ModelProvider
	defaultName string
}

func NewRegistry(defaultName string, providers ...ModelProvider) *Registry {
	r := &Registry{models: make(map[string]ModelProvider, len(providers)), defaultName: defaultName}
	for _, p := range providers {
		if p != nil {
			r.models[p.Name()] = p
		}
	}
	return r
}

// Model returns the named provider, or the default one when name is empty.
func (r *Registry) Model(name string) (ModelProvider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown mesh provider %q", name)
	}
	return p, nil
}

func (r *Registry) DefaultName() string {
	return r.defaultName
}
