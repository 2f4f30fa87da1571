package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dream-forge-backend/internal/models"
)

type TripoConfig struct {
	APIKey       string
	BaseURL      string
	ModelVersion string
	PollInterval time.Duration
}

// TripoClient drives Tripo3D model and texture tasks.
type TripoClient struct {
	cfg        TripoConfig
	httpClient *http.Client
	Backoffs   []time.Duration
}

func NewTripoClient(cfg TripoConfig) *TripoClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tripo3d.ai/v2/openapi"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TripoClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		Backoffs:   DefaultBackoffs,
	}
}

func (c *TripoClient) Name() string { return ProviderTripo }

type tripoFile struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type tripoTaskRequest struct {
	Type                string      `json:"type"`
	File                *tripoFile  `json:"file,omitempty"`
	Files               []tripoFile `json:"files,omitempty"`
	ModelVersion        string      `json:"model_version,omitempty"`
	Texture             *bool       `json:"texture,omitempty"`
	OriginalModelTaskID string      `json:"original_model_task_id,omitempty"`
	TextPrompt          string      `json:"text_prompt,omitempty"`
	FaceLimit           int         `json:"face_limit,omitempty"`
}

type tripoEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type tripoCreateResponse struct {
	tripoEnvelope
	Data struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

type tripoTaskResponse struct {
	tripoEnvelope
	Data struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Output   struct {
			Model         string `json:"model"`
			BaseModel     string `json:"base_model"`
			PbrModel      string `json:"pbr_model"`
			RenderedImage string `json:"rendered_image"`
		} `json:"output"`
	} `json:"data"`
}

type tripoBalanceResponse struct {
	tripoEnvelope
	Data struct {
		Balance float64 `json:"balance"`
		Frozen  float64 `json:"frozen"`
	} `json:"data"`
}

func (c *TripoClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

func faceLimit(q models.Quality) int {
	switch q {
	case models.QualityDraft:
		return 10000
	case models.QualityHigh:
		return 0
	default:
		return 50000
	}
}

// GenerateMesh creates an untextured model. Several views use the
// multiview task, ordered front, left, back, right as Tripo expects.
func (c *TripoClient) GenerateMesh(ctx context.Context, req MeshRequest) (*ModelResult, error) {
	if len(req.ImageURLs) == 0 {
		return nil, fmt.Errorf("validation: at least one view image is required")
	}
	noTexture := false
	body := tripoTaskRequest{
		ModelVersion: c.cfg.ModelVersion,
		Texture:      &noTexture,
		FaceLimit:    faceLimit(req.Quality),
	}
	if len(req.ImageURLs) == 1 {
		body.Type = "image_to_model"
		body.File = &tripoFile{Type: fileType(req.ImageURLs[0]), URL: req.ImageURLs[0]}
	} else {
		body.Type = "multiview_to_model"
		for _, u := range req.ImageURLs {
			body.Files = append(body.Files, tripoFile{Type: fileType(u), URL: u})
		}
	}

	taskID, err := c.create(ctx, body)
	if err != nil {
		return nil, err
	}
	task, err := c.wait(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return tripoResult(task), nil
}

func (c *TripoClient) GenerateTexture(ctx context.Context, req TextureRequest) (*ModelResult, error) {
	if req.MeshTaskID == "" {
		return nil, fmt.Errorf("validation: tripo texturing requires the mesh task id")
	}
	withTexture := true
	body := tripoTaskRequest{
		Type:                "texture_model",
		OriginalModelTaskID: req.MeshTaskID,
		Texture:             &withTexture,
		TextPrompt:          req.Prompt,
	}
	taskID, err := c.create(ctx, body)
	if err != nil {
		return nil, err
	}
	task, err := c.wait(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return tripoResult(task), nil
}

func (c *TripoClient) Balance(ctx context.Context) (int64, error) {
	var out tripoBalanceResponse
	if err := doJSON(ctx, c.httpClient, "tripo", http.MethodGet, c.cfg.BaseURL+"/user/balance", c.headers(), nil, &out); err != nil {
		return 0, fmt.Errorf("failed to get tripo balance: %w", err)
	}
	if out.Code != 0 {
		return 0, fmt.Errorf("tripo error code %d: %s", out.Code, out.Message)
	}
	return int64(out.Data.Balance), nil
}

func (c *TripoClient) create(ctx context.Context, body tripoTaskRequest) (string, error) {
	var out tripoCreateResponse
	err := RetryWithBackoff(ctx, c.Backoffs, 3, func() error {
		return doJSON(ctx, c.httpClient, "tripo", http.MethodPost, c.cfg.BaseURL+"/task", c.headers(), body, &out)
	})
	if err != nil {
		return "", err
	}
	if out.Code != 0 {
		return "", fmt.Errorf("tripo error code %d: %s", out.Code, out.Message)
	}
	if out.Data.TaskID == "" {
		return "", fmt.Errorf("tripo returned no task id")
	}
	return out.Data.TaskID, nil
}

func (c *TripoClient) wait(ctx context.Context, taskID string) (*tripoTaskResponse, error) {
	var task tripoTaskResponse
	url := c.cfg.BaseURL + "/task/" + taskID
	err := poll(ctx, c.cfg.PollInterval, func() (bool, error) {
		var current tripoTaskResponse
		if err := doJSON(ctx, c.httpClient, "tripo", http.MethodGet, url, c.headers(), nil, &current); err != nil {
			if retryable(err) && ctx.Err() == nil {
				return false, nil
			}
			return false, err
		}
		switch strings.ToLower(current.Data.Status) {
		case "success":
			task = current
			return true, nil
		case "failed", "cancelled", "banned", "expired", "unknown":
			return false, &TaskFailedError{Provider: "tripo", TaskID: taskID, Status: current.Data.Status, Message: current.Message}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if task.Data.TaskID == "" {
		task.Data.TaskID = taskID
	}
	return &task, nil
}

func tripoResult(task *tripoTaskResponse) *ModelResult {
	out := task.Data.Output
	url := out.PbrModel
	if url == "" {
		url = out.Model
	}
	if url == "" {
		url = out.BaseModel
	}
	res := &ModelResult{
		TaskID:       task.Data.TaskID,
		ModelURL:     url,
		ThumbnailURL: out.RenderedImage,
	}
	if url != "" {
		res.Files = []models.DownloadFile{{Name: "model.glb", URL: url}}
	}
	return res
}

func fileType(url string) string {
	lower := strings.ToLower(url)
	if i := strings.IndexByte(lower, '?'); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "png"
	case strings.HasSuffix(lower, ".webp"):
		return "webp"
	default:
		return "jpg"
	}
}
