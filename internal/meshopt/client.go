package meshopt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the mesh analysis and optimization HTTP functions.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// the functions allow up to 540s
			Timeout: 9 * time.Minute,
		},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type analyzeRequest struct {
	FileURL  string `json:"file_url,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

type analyzeResponse struct {
	Success  bool   `json:"success"`
	Analysis *Stats `json:"analysis"`
	Error    string `json:"error"`
}

// Analysis is the mesh statistics plus the printability assessment.
type Analysis struct {
	Stats
	Assessment
}

// Analyze downloads the mesh at fileURL on the function side and scores it.
func (c *Client) Analyze(ctx context.Context, fileURL string) (*Analysis, error) {
	if fileURL == "" {
		return nil, fmt.Errorf("file url is required")
	}
	var out analyzeResponse
	if err := c.post(ctx, "/trimesh_analyze", analyzeRequest{FileURL: fileURL}, &out); err != nil {
		return nil, fmt.Errorf("failed to analyze mesh: %w", err)
	}
	if !out.Success || out.Analysis == nil {
		return nil, fmt.Errorf("failed to analyze mesh: %s", out.Error)
	}
	return &Analysis{Stats: *out.Analysis, Assessment: Assess(*out.Analysis)}, nil
}

type Dimensions struct {
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Depth  float64 `json:"depth,omitempty"`
}

// Options mirror the repair switches of the optimize function. Nil booleans
// use the function default, which is on.
type Options struct {
	FillHoles      *bool       `json:"fill_holes,omitempty"`
	FixNormals     *bool       `json:"fix_normals,omitempty"`
	MakeWatertight *bool       `json:"make_watertight,omitempty"`
	CenterMesh     *bool       `json:"center_mesh,omitempty"`
	TargetSize     *Dimensions `json:"target_size,omitempty"`
	UniformScale   float64     `json:"uniform_scale,omitempty"`
	PrintBedSize   *Dimensions `json:"print_bed_size,omitempty"`
}

type optimizeRequest struct {
	FileData     string  `json:"file_data"`
	Options      Options `json:"options"`
	OutputFormat string  `json:"output_format"`
}

type optimizeResponse struct {
	Success      bool     `json:"success"`
	FileData     string   `json:"file_data"`
	Original     Stats    `json:"original"`
	Optimized    Stats    `json:"optimized"`
	Operations   []string `json:"operations"`
	Warnings     []string `json:"warnings"`
	OutputFormat string   `json:"output_format"`
	Error        string   `json:"error"`
}

type OptimizeResult struct {
	Data         []byte   `json:"-"`
	Original     Stats    `json:"original"`
	Optimized    Stats    `json:"optimized"`
	Operations   []string `json:"operations"`
	Warnings     []string `json:"warnings"`
	OutputFormat string   `json:"output_format"`
}

// Optimize repairs and rescales a mesh. format is glb or stl.
func (c *Client) Optimize(ctx context.Context, mesh []byte, opts Options, format string) (*OptimizeResult, error) {
	if len(mesh) == 0 {
		return nil, fmt.Errorf("mesh data is required")
	}
	if format == "" {
		format = "glb"
	}
	if format != "glb" && format != "stl" {
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	req := optimizeRequest{
		FileData:     base64.StdEncoding.EncodeToString(mesh),
		Options:      opts,
		OutputFormat: format,
	}
	var out optimizeResponse
	if err := c.post(ctx, "/trimesh_optimize", req, &out); err != nil {
		return nil, fmt.Errorf("failed to optimize mesh: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("failed to optimize mesh: %s", out.Error)
	}
	data, err := base64.StdEncoding.DecodeString(out.FileData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode optimized mesh: %w", err)
	}
	return &OptimizeResult{
		Data:         data,
		Original:     out.Original,
		Optimized:    out.Optimized,
		Operations:   out.Operations,
		Warnings:     out.Warnings,
		OutputFormat: out.OutputFormat,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	if !c.Enabled() {
		return fmt.Errorf("MESH_OPTIMIZER_URL is not configured")
	}
	jsonData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w, status %d", err, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}
