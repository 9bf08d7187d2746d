package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/geotask/api/internal/client"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/store"
)

const auditLinkTTL = 24 * time.Hour

// AuditService exports a job's escrow and location-check history to object storage
type AuditService struct {
	store   store.Store
	storage client.ObjectStorage
}

// NewAuditService creates an audit service. A nil storage returns mock links.
func NewAuditService(s store.Store, storage client.ObjectStorage) *AuditService {
	return &AuditService{store: s, storage: storage}
}

// Export writes the audit record for jobID and returns a temporary link to it
func (s *AuditService) Export(ctx context.Context, jobID, businessID string) (*model.AuditExportResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if businessID != "" && job.BusinessID != businessID {
		return nil, model.ErrForbidden
	}

	e, err := s.store.GetEscrow(ctx, jobID)
	if err != nil {
		return nil, err
	}
	checks, err := s.store.ListLocationChecks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := &model.AuditRecord{Job: job, Escrow: e, LocationChecks: checks, ExportedAt: now}
	key := fmt.Sprintf("audits/%s/%s.json", jobID, now.Format("20060102T150405Z"))

	if s.storage == nil {
		return &model.AuditExportResponse{
			JobID:     jobID,
			Key:       key,
			URL:       fmt.Sprintf("https://storage.geotask.local/%s", key),
			ExpiresAt: now.Add(auditLinkTTL),
		}, nil
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if err := s.storage.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return nil, err
	}

	url, err := s.storage.SignedURL(ctx, key, auditLinkTTL)
	if err != nil {
		return nil, err
	}

	return &model.AuditExportResponse{
		JobID:     jobID,
		Key:       key,
		URL:       url,
		ExpiresAt: now.Add(auditLinkTTL),
	}, nil
}
