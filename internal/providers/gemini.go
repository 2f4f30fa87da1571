package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dream-forge-backend/internal/models"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// GeminiClient generates views with Gemini's native image output.
type GeminiClient struct {
	cfg        GeminiConfig
	httpClient *http.Client
	Backoffs   []time.Duration
}

func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash-image"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &GeminiClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		Backoffs:   DefaultBackoffs,
	}
}

func (c *GeminiClient) Name() string { return ProviderGemini }

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inlineData,omitempty"`
}

type geminiInline struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

var anglePrompts = map[models.ViewAngle]string{
	models.AngleFront: "the front, facing the camera directly",
	models.AngleBack:  "the back, rotated 180 degrees from the front",
	models.AngleLeft:  "the left side, rotated 90 degrees to show its left profile",
	models.AngleRight: "the right side, rotated 90 degrees to show its right profile",
	models.AngleTop:   "directly above, looking straight down",
}

// ViewPrompt is the instruction sent for one angle.
func ViewPrompt(angle models.ViewAngle) string {
	view, ok := anglePrompts[angle]
	if !ok {
		view = string(angle)
	}
	return "Generate a clean product-style image of the same subject seen from " + view +
		". Keep proportions, colors and details identical to the reference. Plain white background, even studio lighting, no shadows, no text."
}

// GenerateView renders one angle of the subject in the source images.
func (c *GeminiClient) GenerateView(ctx context.Context, req ViewRequest) (*GeneratedImage, error) {
	if len(req.SourceImageURLs) == 0 {
		return nil, fmt.Errorf("validation: at least one source image is required")
	}

	parts := make([]geminiPart, 0, len(req.SourceImageURLs)+1)
	for _, u := range req.SourceImageURLs {
		data, mime, err := c.fetchImage(ctx, u)
		if err != nil {
			return nil, err
		}
		parts = append(parts, geminiPart{InlineData: &geminiInline{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}
	parts = append(parts, geminiPart{Text: ViewPrompt(req.Angle)})

	body := geminiRequest{
		Contents:         []geminiContent{{Parts: parts, Role: "user"}},
		GenerationConfig: &geminiGenConfig{ResponseModalities: []string{"IMAGE"}},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Model)
	headers := map[string]string{"x-goog-api-key": c.cfg.APIKey}

	var resp geminiResponse
	err := RetryWithBackoff(ctx, c.Backoffs, 3, func() error {
		return doJSON(ctx, c.httpClient, "gemini", http.MethodPost, url, headers, body, &resp)
	})
	if err != nil {
		return nil, err
	}

	if resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini blocked the request by safety filter: %s", resp.PromptFeedback.BlockReason)
	}
	for _, cand := range resp.Candidates {
		if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
			return nil, fmt.Errorf("gemini response blocked by safety filter: %s", cand.FinishReason)
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode gemini image: %w", err)
			}
			mime := part.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			return &GeneratedImage{Data: data, MimeType: mime}, nil
		}
	}
	return nil, fmt.Errorf("generation failed: gemini returned no image for %s view", req.Angle)
}

func (c *GeminiClient) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download source image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download source image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read source image: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}
