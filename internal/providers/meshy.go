package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dream-forge-backend/internal/models"
)

type MeshyConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
}

// MeshyClient drives Meshy image-to-3d and retexture tasks.
type MeshyClient struct {
	cfg        MeshyConfig
	httpClient *http.Client
	Backoffs   []time.Duration
}

func NewMeshyClient(cfg MeshyConfig) *MeshyClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.meshy.ai/openapi"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MeshyClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		Backoffs:   DefaultBackoffs,
	}
}

func (c *MeshyClient) Name() string { return ProviderMeshy }

type meshyImageTo3DRequest struct {
	ImageURL        string   `json:"image_url,omitempty"`
	ImageURLs       []string `json:"image_urls,omitempty"`
	AIModel         string   `json:"ai_model,omitempty"`
	ShouldTexture   bool     `json:"should_texture"`
	TargetPolycount int      `json:"target_polycount,omitempty"`
}

type meshyRetextureRequest struct {
	InputTaskID     string `json:"input_task_id,omitempty"`
	ModelURL        string `json:"model_url,omitempty"`
	TextStylePrompt string `json:"text_style_prompt,omitempty"`
	ImageStyleURL   string `json:"image_style_url,omitempty"`
	EnablePBR       bool   `json:"enable_pbr"`
}

type meshyCreateResponse struct {
	Result string `json:"result"`
}

type meshyTask struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	ModelURLs map[string]string `json:"model_urls"`
	Thumbnail string            `json:"thumbnail_url"`
	TaskError struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

type meshyBalance struct {
	Balance int64 `json:"balance"`
}

func (c *MeshyClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

func polycount(q models.Quality) int {
	switch q {
	case models.QualityDraft:
		return 10000
	case models.QualityHigh:
		return 100000
	default:
		return 30000
	}
}

// GenerateMesh creates an untextured mesh from the confirmed views.
func (c *MeshyClient) GenerateMesh(ctx context.Context, req MeshRequest) (*ModelResult, error) {
	if len(req.ImageURLs) == 0 {
		return nil, fmt.Errorf("validation: at least one view image is required")
	}

	kind := "image-to-3d"
	body := meshyImageTo3DRequest{AIModel: "latest", TargetPolycount: polycount(req.Quality)}
	if len(req.ImageURLs) == 1 {
		body.ImageURL = req.ImageURLs[0]
	} else {
		kind = "multi-image-to-3d"
		urls := req.ImageURLs
		if len(urls) > 4 {
			urls = urls[:4]
		}
		body.ImageURLs = urls
	}

	taskID, err := c.create(ctx, kind, body)
	if err != nil {
		return nil, err
	}
	task, err := c.wait(ctx, kind, taskID)
	if err != nil {
		return nil, err
	}
	return meshyResult(task, req.Format), nil
}

// GenerateTexture retextures a mesh from an earlier Meshy task.
func (c *MeshyClient) GenerateTexture(ctx context.Context, req TextureRequest) (*ModelResult, error) {
	if req.MeshTaskID == "" && req.MeshURL == "" {
		return nil, fmt.Errorf("validation: a mesh task id or model url is required")
	}
	body := meshyRetextureRequest{
		InputTaskID:     req.MeshTaskID,
		TextStylePrompt: req.Prompt,
		ImageStyleURL:   req.StyleImage,
		EnablePBR:       true,
	}
	if req.MeshTaskID == "" {
		body.ModelURL = req.MeshURL
	}
	if body.TextStylePrompt == "" && body.ImageStyleURL == "" {
		body.TextStylePrompt = "realistic colors matching the reference photos"
	}

	taskID, err := c.create(ctx, "retexture", body)
	if err != nil {
		return nil, err
	}
	task, err := c.wait(ctx, "retexture", taskID)
	if err != nil {
		return nil, err
	}
	return meshyResult(task, "glb"), nil
}

func (c *MeshyClient) Balance(ctx context.Context) (int64, error) {
	var out meshyBalance
	if err := doJSON(ctx, c.httpClient, "meshy", http.MethodGet, c.cfg.BaseURL+"/v1/balance", c.headers(), nil, &out); err != nil {
		return 0, fmt.Errorf("failed to get meshy balance: %w", err)
	}
	return out.Balance, nil
}

func (c *MeshyClient) create(ctx context.Context, kind string, body interface{}) (string, error) {
	var out meshyCreateResponse
	err := RetryWithBackoff(ctx, c.Backoffs, 3, func() error {
		return doJSON(ctx, c.httpClient, "meshy", http.MethodPost, c.cfg.BaseURL+"/v1/"+kind, c.headers(), body, &out)
	})
	if err != nil {
		return "", err
	}
	if out.Result == "" {
		return "", fmt.Errorf("meshy returned no task id")
	}
	return out.Result, nil
}

func (c *MeshyClient) wait(ctx context.Context, kind, taskID string) (*meshyTask, error) {
	var task meshyTask
	url := fmt.Sprintf("%s/v1/%s/%s", c.cfg.BaseURL, kind, taskID)
	err := poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		var current meshyTask
		if err := doJSON(ctx, c.httpClient, "meshy", http.MethodGet, url, c.headers(), nil, &current); err != nil {
			if retryable(err) && ctx.Err() == nil {
				return false, nil
			}
			return false, err
		}
		switch strings.ToUpper(current.Status) {
		case "SUCCEEDED":
			task = current
			return true, nil
		case "FAILED", "EXPIRED", "CANCELED":
			return false, &TaskFailedError{Provider: "meshy", TaskID: taskID, Status: current.Status, Message: current.TaskError.Message}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = taskID
	}
	return &task, nil
}

func meshyResult(task *meshyTask, format string) *ModelResult {
	if format == "" {
		format = "glb"
	}
	url := task.ModelURLs[format]
	if url == "" {
		url = task.ModelURLs["glb"]
	}
	return &ModelResult{
		TaskID:       task.ID,
		ModelURL:     url,
		ThumbnailURL: task.Thumbnail,
		Files:        downloadFiles(task.ModelURLs),
	}
}

var fileFormats = []string{"glb", "fbx", "obj", "stl", "usdz", "3mf"}

func downloadFiles(urls map[string]string) []models.DownloadFile {
	var files []models.DownloadFile
	for _, f := range fileFormats {
		if u := urls[f]; u != "" {
			files = append(files, models.DownloadFile{Name: "model." + f, URL: u})
		}
	}
	return files
}
