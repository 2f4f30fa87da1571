// Package meshopt talks to the mesh analysis and repair functions and scores
// how printable a mesh is.
package meshopt

import (
	"fmt"
	"math"
)

type BoundingBox struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
}

// Stats describes a mesh. Dimensions are in millimetres.
type Stats struct {
	VertexCount     int         `json:"vertex_count"`
	FaceCount       int         `json:"face_count"`
	BoundingBox     BoundingBox `json:"bounding_box"`
	IsWatertight    bool        `json:"is_watertight"`
	Volume          *float64    `json:"volume"`
	Center          []float64   `json:"center,omitempty"`
	DegenerateFaces int         `json:"degenerate_faces"`
	InvertedNormals bool        `json:"inverted_normals"`
}

type Assessment struct {
	Issues            []string `json:"issues"`
	Recommendations   []string `json:"recommendations"`
	PrintabilityScore int      `json:"printability_score"`
}

const (
	maxScore       = 5
	minScore       = 1
	maxFaces       = 500000
	minFaces       = 100
	maxPrintableMM = 300
	smallModelMM   = 10
	thinFeatureMM  = 1
)

// Assess scores a mesh from 1 to 5 and explains every deduction.
func Assess(s Stats) Assessment {
	a := Assessment{Issues: []string{}, Recommendations: []string{}}
	score := maxScore

	if !s.IsWatertight {
		a.add("Mesh is not watertight (has holes or gaps)", "Enable 'Fill Holes' to repair mesh")
		score -= 2
	}
	if s.DegenerateFaces > 0 {
		a.add(fmt.Sprintf("Found %d degenerate faces (zero area)", s.DegenerateFaces),
			"Consider mesh cleanup to remove degenerate faces")
		score--
	}
	switch {
	case s.FaceCount > maxFaces:
		a.add(fmt.Sprintf("High polygon count (%d faces) may slow printing software", s.FaceCount),
			"Enable simplification to reduce polygon count")
		score--
	case s.FaceCount < minFaces:
		a.add(fmt.Sprintf("Very low polygon count (%d faces)", s.FaceCount),
			"Model may appear faceted when printed")
		score--
	}
	if s.InvertedNormals {
		a.add("Some face normals may be inverted", "Enable 'Fix Normals' to correct orientation")
		score--
	}

	maxDim := math.Max(s.BoundingBox.Width, math.Max(s.BoundingBox.Height, s.BoundingBox.Depth))
	minDim := math.Min(s.BoundingBox.Width, math.Min(s.BoundingBox.Height, s.BoundingBox.Depth))
	switch {
	case maxDim > maxPrintableMM:
		a.add(fmt.Sprintf("Model is large (%.1fmm) - may not fit print bed", maxDim),
			"Consider scaling down to fit your printer")
		score--
	case maxDim < smallModelMM:
		a.add(fmt.Sprintf("Model is small (%.1fmm) - fine details may not print", maxDim),
			"Consider scaling up for better detail")
	}
	if minDim < thinFeatureMM {
		a.add(fmt.Sprintf("Minimum dimension is very thin (%.2fmm)", minDim),
			"Very thin features may not print successfully")
		score--
	}

	if score < minScore {
		score = minScore
	}
	a.PrintabilityScore = score
	return a
}

func (a *Assessment) add(issue, recommendation string) {
	a.Issues = append(a.Issues, issue)
	a.Recommendations = append(a.Recommendations, recommendation)
}
