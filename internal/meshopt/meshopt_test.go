package meshopt_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"dream-forge-backend/internal/meshopt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func goodMesh() meshopt.Stats {
	return meshopt.Stats{
		VertexCount:  5000,
		FaceCount:    10000,
		BoundingBox:  meshopt.BoundingBox{Width: 80, Height: 120, Depth: 60},
		IsWatertight: true,
	}
}

func TestAssess(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*meshopt.Stats)
		score  int
		issues int
	}{
		{name: "clean mesh", modify: func(*meshopt.Stats) {}, score: 5, issues: 0},
		{name: "not watertight", modify: func(s *meshopt.Stats) { s.IsWatertight = false }, score: 3, issues: 1},
		{name: "degenerate faces", modify: func(s *meshopt.Stats) { s.DegenerateFaces = 12 }, score: 4, issues: 1},
		{name: "too many faces", modify: func(s *meshopt.Stats) { s.FaceCount = 600000 }, score: 4, issues: 1},
		{name: "too few faces", modify: func(s *meshopt.Stats) { s.FaceCount = 40 }, score: 4, issues: 1},
		{name: "inverted normals", modify: func(s *meshopt.Stats) { s.InvertedNormals = true }, score: 4, issues: 1},
		{name: "larger than bed", modify: func(s *meshopt.Stats) { s.BoundingBox.Height = 450 }, score: 4, issues: 1},
		{name: "small model is a note only", modify: func(s *meshopt.Stats) {
			s.BoundingBox = meshopt.BoundingBox{Width: 8, Height: 9, Depth: 5}
		}, score: 5, issues: 1},
		{name: "thin feature", modify: func(s *meshopt.Stats) { s.BoundingBox.Depth = 0.5 }, score: 4, issues: 1},
		{name: "floor at one", modify: func(s *meshopt.Stats) {
			s.IsWatertight = false
			s.DegenerateFaces = 3
			s.FaceCount = 10
			s.InvertedNormals = true
			s.BoundingBox = meshopt.BoundingBox{Width: 400, Height: 0.2, Depth: 10}
		}, score: 1, issues: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := goodMesh()
			tt.modify(&s)
			a := meshopt.Assess(s)
			assert.Equal(t, tt.score, a.PrintabilityScore)
			assert.Len(t, a.Issues, tt.issues)
			assert.Len(t, a.Recommendations, tt.issues)
		})
	}
}

func TestClient_Analyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trimesh_analyze", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "https://files.test/model.glb", body["file_url"])
		_, _ = w.Write([]byte(`{"success":true,"analysis":{"vertex_count":10,"face_count":50,"bounding_box":{"width":20,"height":20,"depth":20},"is_watertight":false,"volume":null}}`))
	}))
	defer srv.Close()

	a, err := meshopt.NewClient(srv.URL+"/").Analyze(context.Background(), "https://files.test/model.glb")
	require.NoError(t, err)
	assert.Equal(t, 50, a.FaceCount)
	assert.Nil(t, a.Volume)
	// not watertight and too few faces
	assert.Equal(t, 2, a.PrintabilityScore)
}

func TestClient_AnalyzeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"No mesh geometry found"}`))
	}))
	defer srv.Close()

	_, err := meshopt.NewClient(srv.URL).Analyze(context.Background(), "https://files.test/model.glb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No mesh geometry found")
}

func TestClient_Optimize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FileData     string                 `json:"file_data"`
			Options      map[string]interface{} `json:"options"`
			OutputFormat string                 `json:"output_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("mesh")), body.FileData)
		assert.Equal(t, "stl", body.OutputFormat)
		assert.Equal(t, false, body.Options["fill_holes"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"file_data":     base64.StdEncoding.EncodeToString([]byte("fixed")),
			"operations":    []string{"fix_normals", "center_mesh"},
			"warnings":      []string{},
			"output_format": "stl",
		})
	}))
	defer srv.Close()

	off := false
	res, err := meshopt.NewClient(srv.URL).Optimize(context.Background(), []byte("mesh"), meshopt.Options{FillHoles: &off}, "stl")
	require.NoError(t, err)
	assert.Equal(t, []byte("fixed"), res.Data)
	assert.Equal(t, []string{"fix_normals", "center_mesh"}, res.Operations)
}

func TestClient_NotConfigured(t *testing.T) {
	c := meshopt.NewClient("")
	assert.False(t, c.Enabled())
	_, err := c.Analyze(context.Background(), "https://files.test/model.glb")
	assert.Error(t, err)
	_, err = c.Optimize(context.Background(), []byte("x"), meshopt.Options{}, "obj")
	assert.Error(t, err)
}
