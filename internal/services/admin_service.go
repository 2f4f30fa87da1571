package services

import (
	"context"
	"fmt"
	"strings"

	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/meshopt"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/providers"
	"dream-forge-backend/internal/storage"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
)

type AdminDeps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Credits   *CreditService
	Models    *providers.Registry
	MeshOpt   *meshopt.Client
	Artifacts *ArtifactService
	Metrics   *metrics.Collector
	Logger    *logger.Logger
}

// AdminService holds the operator-only use cases.
type AdminService struct {
	store     store.Store
	ledger    *ledger.Ledger
	credits   *CreditService
	models    *providers.Registry
	meshopt   *meshopt.Client
	artifacts *ArtifactService
	metrics   *metrics.Collector
	logger    *logger.Logger
}

func NewAdminService(deps AdminDeps) *AdminService {
	return &AdminService{
		store:     deps.Store,
		ledger:    deps.Ledger,
		credits:   deps.Credits,
		models:    deps.Models,
		meshopt:   deps.MeshOpt,
		artifacts: deps.Artifacts,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "AdminService"),
	}
}

func (s *AdminService) GrantCredits(ctx context.Context, adminID, userID uuid.UUID, amount int64, reason string, kind models.TransactionType) (*models.CreditTransaction, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "admin grant"
	}
	return s.adjust(ctx, adminID, userID, func(tx store.Tx) (*models.CreditTransaction, error) {
		return s.ledger.Grant(ctx, tx, userID, amount, reason, kind)
	})
}

func (s *AdminService) DeductCredits(ctx context.Context, adminID, userID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error) {
	return s.adjust(ctx, adminID, userID, func(tx store.Tx) (*models.CreditTransaction, error) {
		return s.ledger.Deduct(ctx, tx, userID, amount, reason)
	})
}

func (s *AdminService) adjust(ctx context.Context, adminID, userID uuid.UUID, fn func(tx store.Tx) (*models.CreditTransaction, error)) (*models.CreditTransaction, error) {
	var (
		ct      *models.CreditTransaction
		balance int64
	)
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		ct, err = fn(tx)
		if err != nil {
			return err
		}
		acct, err := tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credits adjusted", "admin_id", adminID, "user_id", userID, "amount", ct.Amount, "type", ct.Type, "reason", ct.Reason)
	s.metrics.RecordCredits(string(ct.Type), ct.Amount)
	if s.credits != nil {
		s.credits.publishBalance(ctx, userID, balance)
	}
	return ct, nil
}

func (s *AdminService) ListUsers(ctx context.Context, page store.Page) ([]*models.CreditAccount, int, error) {
	list, total, err := s.store.ListAccounts(ctx, page)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	return list, total, nil
}

// ListJobs lists pipelines of every user, abandoned ones included.
func (s *AdminService) ListJobs(ctx context.Context, status *models.PipelineStatus, page store.Page) ([]*models.Pipeline, int, error) {
	list, total, err := s.store.ListPipelines(ctx, store.PipelineFilter{Status: status, IncludeAbandoned: true, Page: page})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	return list, total, nil
}

func (s *AdminService) ListTransactions(ctx context.Context, userID uuid.UUID, page store.Page) ([]*models.CreditTransaction, int, error) {
	list, total, err := s.store.ListTransactions(ctx, userID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return list, total, nil
}

// ReconcileBalance compares the stored balance with the transaction log and
// optionally repairs it.
func (s *AdminService) ReconcileBalance(ctx context.Context, userID uuid.UUID, fix bool) (*ledger.Reconciliation, error) {
	var rec *ledger.Reconciliation
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		rec, err = s.ledger.Reconcile(ctx, tx, userID, fix)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec.Drift != 0 {
		s.logger.Warn("credit balance drift detected", "user_id", userID, "drift", rec.Drift, "fixed", rec.Fixed)
	}
	return rec, nil
}

type ProviderBalance struct {
	Provider string `json:"provider"`
	Balance  int64  `json:"balance"`
}

func (s *AdminService) ProviderBalance(ctx context.Context, name string) (*ProviderBalance, error) {
	p, err := s.models.Model(name)
	if err != nil {
		return nil, &InvalidInputError{Err: err}
	}
	balance, err := p.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s balance: %w", p.Name(), err)
	}
	return &ProviderBalance{Provider: p.Name(), Balance: balance}, nil
}

// meshURL picks the best model file of a pipeline for printing checks.
func meshURL(p *models.Pipeline) (string, error) {
	switch {
	case p.TexturedModelURL != nil:
		return *p.TexturedModelURL, nil
	case p.MeshURL != nil:
		return *p.MeshURL, nil
	}
	return "", &InvalidInputError{Err: fmt.Errorf("pipeline %s has no mesh", p.ID)}
}

// AnalyzeMesh runs the mesh analysis function on a pipeline's model.
func (s *AdminService) AnalyzeMesh(ctx context.Context, pipelineID uuid.UUID) (*meshopt.Analysis, error) {
	if !s.meshopt.Enabled() {
		return nil, ErrMeshToolsDisabled
	}
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	url, err := meshURL(p)
	if err != nil {
		return nil, err
	}
	analysis, err := s.meshopt.Analyze(ctx, url)
	if err != nil {
		return nil, err
	}
	s.logger.Info("mesh analyzed", "pipeline_id", pipelineID, "score", analysis.PrintabilityScore, "issues", len(analysis.Issues))
	return analysis, nil
}

type OptimizedMesh struct {
	URL    string                  `json:"url"`
	Result *meshopt.OptimizeResult `json:"result"`
}

// OptimizeMesh repairs a pipeline's model and stores the printable copy next to it.
func (s *AdminService) OptimizeMesh(ctx context.Context, pipelineID uuid.UUID, opts meshopt.Options, format string) (*OptimizedMesh, error) {
	if !s.meshopt.Enabled() {
		return nil, ErrMeshToolsDisabled
	}
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	url, err := meshURL(p)
	if err != nil {
		return nil, err
	}
	data, err := storage.Download(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to download mesh: %w", err)
	}
	res, err := s.meshopt.Optimize(ctx, data, opts, format)
	if err != nil {
		return nil, err
	}
	ext := res.OutputFormat
	if ext == "" {
		ext = "glb"
	}
	key := storage.ModelKey(p.UserID, p.ID, models.Stage("optimized"), "model."+ext)
	stored, err := s.artifacts.Backend().UploadBuffer(ctx, key, res.Data, storage.ContentTypeForKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to store optimized mesh: %w", err)
	}
	s.logger.Info("mesh optimized", "pipeline_id", pipelineID, "operations", strings.Join(res.Operations, ","))
	return &OptimizedMesh{URL: stored, Result: res}, nil
}
