package models

import (
	"time"

	"github.com/google/uuid"
)

type PipelineStatus string

const (
	StatusDraft             PipelineStatus = "draft"
	StatusBatchQueued       PipelineStatus = "batch-queued"
	StatusBatchProcessing   PipelineStatus = "batch-processing"
	StatusGeneratingImages  PipelineStatus = "generating-images"
	StatusImagesReady       PipelineStatus = "images-ready"
	StatusGeneratingMesh    PipelineStatus = "generating-mesh"
	StatusMeshReady         PipelineStatus = "mesh-ready"
	StatusGeneratingTexture PipelineStatus = "generating-texture"
	StatusCompleted         PipelineStatus = "completed"
	StatusFailed            PipelineStatus = "failed"
)

// AllPipelineStatuses lists every status in lifecycle order.
var AllPipelineStatuses = []PipelineStatus{
	StatusDraft,
	StatusBatchQueued,
	StatusBatchProcessing,
	StatusGeneratingImages,
	StatusImagesReady,
	StatusGeneratingMesh,
	StatusMeshReady,
	StatusGeneratingTexture,
	StatusCompleted,
	StatusFailed,
}

func (s PipelineStatus) Valid() bool {
	for _, known := range AllPipelineStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Stage is one of the three billable generation steps.
type Stage string

const (
	StageImages  Stage = "images"
	StageMesh    Stage = "mesh"
	StageTexture Stage = "texture"
)

// GeneratingStatus returns the realtime in-progress status of a stage.
func (s Stage) GeneratingStatus() PipelineStatus {
	switch s {
	case StageImages:
		return StatusGeneratingImages
	case StageMesh:
		return StatusGeneratingMesh
	case StageTexture:
		return StatusGeneratingTexture
	}
	return ""
}

// StageForStatus maps an in-progress status back to its billable stage.
func StageForStatus(s PipelineStatus) (Stage, bool) {
	switch s {
	case StatusGeneratingImages, StatusBatchQueued, StatusBatchProcessing:
		return StageImages, true
	case StatusGeneratingMesh:
		return StageMesh, true
	case StatusGeneratingTexture:
		return StageTexture, true
	}
	return "", false
}

type ProcessingMode string

const (
	ModeBatch    ProcessingMode = "batch"
	ModeRealtime ProcessingMode = "realtime"
)

type ViewAngle string

const (
	AngleFront ViewAngle = "front"
	AngleBack  ViewAngle = "back"
	AngleLeft  ViewAngle = "left"
	AngleRight ViewAngle = "right"
	AngleTop   ViewAngle = "top"
)

var AllViewAngles = []ViewAngle{AngleFront, AngleBack, AngleLeft, AngleRight, AngleTop}

func (a ViewAngle) Valid() bool {
	for _, known := range AllViewAngles {
		if a == known {
			return true
		}
	}
	return false
}

type ViewSource string

const (
	SourceAI     ViewSource = "ai"
	SourceUpload ViewSource = "upload"
)

type InputImage struct {
	URL         string    `json:"url"`
	StoragePath string    `json:"storage_path"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type ViewImage struct {
	URL         string     `json:"url"`
	StoragePath string     `json:"storage_path"`
	Source      ViewSource `json:"source"`
	CreatedAt   time.Time  `json:"created_at"`
}

type DownloadFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type CreditsCharged struct {
	Views   int64 `json:"views"`
	Mesh    int64 `json:"mesh"`
	Texture int64 `json:"texture"`
}

func (c CreditsCharged) Total() int64 {
	return c.Views + c.Mesh + c.Texture
}

// StageCharge records one charge taken for one attempt of a stage.
type StageCharge struct {
	Stage               Stage      `json:"stage"`
	Amount              int64      `json:"amount"`
	Attempt             int        `json:"attempt"`
	TransactionID       uuid.UUID  `json:"transaction_id"`
	ChargedAt           time.Time  `json:"charged_at"`
	Refunded            bool       `json:"refunded"`
	RefundTransactionID *uuid.UUID `json:"refund_transaction_id,omitempty"`
	Settled             bool       `json:"settled"`
}

// Held reports whether the charge is still open: neither consumed by a
// completed stage nor returned to the user.
func (c StageCharge) Held() bool {
	return !c.Refunded && !c.Settled
}

type Quality string

const (
	QualityDraft    Quality = "draft"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
)

type PipelineSettings struct {
	Quality     Quality `json:"quality"`
	PrinterType string  `json:"printer_type"`
	Format      string  `json:"format"`
	Provider    string  `json:"provider"`
}

type Pipeline struct {
	ID               uuid.UUID               `json:"id"`
	UserID           uuid.UUID               `json:"user_id"`
	Status           PipelineStatus          `json:"status"`
	ProcessingMode   ProcessingMode          `json:"processing_mode"`
	InputImages      []InputImage            `json:"input_images"`
	SelectedAngles   []ViewAngle             `json:"selected_angles,omitempty"`
	MeshImages       map[ViewAngle]ViewImage `json:"mesh_images,omitempty"`
	MeshURL          *string                 `json:"mesh_url,omitempty"`
	MeshTaskID       string                  `json:"mesh_task_id,omitempty"`
	TexturedModelURL *string                 `json:"textured_model_url,omitempty"`
	ThumbnailURL     *string                 `json:"thumbnail_url,omitempty"`
	DownloadFiles    []DownloadFile          `json:"download_files,omitempty"`
	CreditsCharged   CreditsCharged          `json:"credits_charged"`
	Charges          []StageCharge           `json:"charges,omitempty"`
	Settings         PipelineSettings        `json:"settings"`
	Error            *string                 `json:"error,omitempty"`
	ErrorStep        *PipelineStatus         `json:"error_step,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	AbandonedAt      *time.Time              `json:"abandoned_at,omitempty"`
}

// LastCharge returns the most recent charge taken for a stage.
func (p *Pipeline) LastCharge(stage Stage) (*StageCharge, bool) {
	for i := len(p.Charges) - 1; i >= 0; i-- {
		if p.Charges[i].Stage == stage {
			return &p.Charges[i], true
		}
	}
	return nil, false
}

func (p *Pipeline) HasCharges() bool {
	return len(p.Charges) > 0
}

func (p *Pipeline) Abandoned() bool {
	return p.AbandonedAt != nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	out := *p
	out.InputImages = append([]InputImage(nil), p.InputImages...)
	out.SelectedAngles = append([]ViewAngle(nil), p.SelectedAngles...)
	out.DownloadFiles = append([]DownloadFile(nil), p.DownloadFiles...)
	out.Charges = append([]StageCharge(nil), p.Charges...)
	if p.MeshImages != nil {
		out.MeshImages = make(map[ViewAngle]ViewImage, len(p.MeshImages))
		for k, v := range p.MeshImages {
			out.MeshImages[k] = v
		}
	}
	out.MeshURL = cloneString(p.MeshURL)
	out.TexturedModelURL = cloneString(p.TexturedModelURL)
	out.ThumbnailURL = cloneString(p.ThumbnailURL)
	out.Error = cloneString(p.Error)
	if p.ErrorStep != nil {
		step := *p.ErrorStep
		out.ErrorStep = &step
	}
	if p.AbandonedAt != nil {
		t := *p.AbandonedAt
		out.AbandonedAt = &t
	}
	for i := range out.Charges {
		if id := out.Charges[i].RefundTransactionID; id != nil {
			v := *id
			out.Charges[i].RefundTransactionID = &v
		}
	}
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
