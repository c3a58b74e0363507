package service

import (
	"context"
	"fmt"

	"github.com/digkill/gemstudio/internal/models"
)

type CreatePackageInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       int    `json:"price"`
	Diamonds    int    `json:"diamonds"`
	IsActive    *bool  `json:"is_active"`
}

type UpdatePackageInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Price       *int    `json:"price"`
	Diamonds    *int    `json:"diamonds"`
	IsActive    *bool   `json:"is_active"`
}

type PackageService struct {
	repo PackageStore
}

func NewPackageService(repo PackageStore) *PackageService {
	return &PackageService{repo: repo}
}

func (s *PackageService) List(ctx context.Context, activeOnly bool) ([]models.DiamondPackage, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *PackageService) Create(ctx context.Context, input CreatePackageInput) (*models.DiamondPackage, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if input.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if input.Diamonds <= 0 {
		return nil, fmt.Errorf("%w: diamonds must be positive", ErrInvalidInput)
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	pkg := models.DiamondPackage{
		Title:       input.Title,
		Description: input.Description,
		Price:       input.Price,
		Diamonds:    input.Diamonds,
		IsActive:    isActive,
	}
	return s.repo.Create(ctx, &pkg)
}

func (s *PackageService) Update(ctx context.Context, id int64, input UpdatePackageInput) (*models.DiamondPackage, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: package", ErrNotFound)
	}
	if input.Title != nil && *input.Title != "" {
		existing.Title = *input.Title
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.Price != nil && *input.Price > 0 {
		existing.Price = *input.Price
	}
	if input.Diamonds != nil && *input.Diamonds > 0 {
		existing.Diamonds = *input.Diamonds
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	return s.repo.Update(ctx, existing)
}

func (s *PackageService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

func (s *PackageService) GetByID(ctx context.Context, id int64) (*models.DiamondPackage, error) {
	return s.repo.GetByID(ctx, id)
}
