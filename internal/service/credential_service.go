package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/digkill/gemstudio/internal/models"
)

type CredentialInput struct {
	APIKey *string `json:"api_key"`
	Label  *string `json:"label"`
	Status *string `json:"status"`
}

// CredentialService manages the upstream key pool.
type CredentialService struct {
	log   *slog.Logger
	store CredentialStore
}

func NewCredentialService(log *slog.Logger, store CredentialStore) *CredentialService {
	return &CredentialService{log: log, store: store}
}

func (s *CredentialService) List(ctx context.Context) ([]models.Credential, error) {
	return s.store.List(ctx)
}

func (s *CredentialService) Create(ctx context.Context, in CredentialInput) (*models.Credential, error) {
	if in.APIKey == nil || strings.TrimSpace(*in.APIKey) == "" {
		return nil, fmt.Errorf("%w: api_key is required", ErrInvalidInput)
	}
	status := models.CredentialActive
	if in.Status != nil {
		parsed, err := parseCredentialStatus(*in.Status)
		if err != nil {
			return nil, err
		}
		status = parsed
	}
	cred := &models.Credential{
		APIKey: strings.TrimSpace(*in.APIKey),
		Status: status,
	}
	if in.Label != nil {
		cred.Label = strings.TrimSpace(*in.Label)
	}

	created, err := s.store.Create(ctx, cred)
	if err != nil {
		return nil, err
	}
	s.log.Info("credential added", "credential_id", created.ID, "label", created.Label)
	return created, nil
}

// Update changes label or status. The key itself is immutable; rotate by
// adding a new credential and disabling the old one.
func (s *CredentialService) Update(ctx context.Context, id int64, in CredentialInput) (*models.Credential, error) {
	existing, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: credential", ErrNotFound)
	}
	if in.APIKey != nil {
		return nil, fmt.Errorf("%w: api_key cannot be changed", ErrInvalidInput)
	}
	if in.Label != nil {
		existing.Label = strings.TrimSpace(*in.Label)
	}
	if in.Status != nil {
		status, err := parseCredentialStatus(*in.Status)
		if err != nil {
			return nil, err
		}
		existing.Status = status
	}
	return s.store.Update(ctx, existing)
}

func (s *CredentialService) Delete(ctx context.Context, id int64) error {
	return s.store.Delete(ctx, id)
}

func parseCredentialStatus(raw string) (models.CredentialStatus, error) {
	switch models.CredentialStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case models.CredentialActive:
		return models.CredentialActive, nil
	case models.CredentialDisabled:
		return models.CredentialDisabled, nil
	default:
		return "", fmt.Errorf("%w: status must be active or disabled", ErrInvalidInput)
	}
}
