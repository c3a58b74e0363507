package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/gemstudio/internal/models"
)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

const packageColumns = `id, title, COALESCE(description, ''), price, diamonds, is_active, created_at, updated_at`

func scanPackage(row rowScanner) (*models.DiamondPackage, error) {
	var p models.DiamondPackage
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.Diamonds, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PackageRepository) List(ctx context.Context, activeOnly bool) ([]models.DiamondPackage, error) {
	query := `SELECT ` + packageColumns + ` FROM diamond_packages`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY price ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []models.DiamondPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, *p)
	}
	return packages, rows.Err()
}

func (r *PackageRepository) GetByID(ctx context.Context, id int64) (*models.DiamondPackage, error) {
	query := `SELECT ` + packageColumns + ` FROM diamond_packages WHERE id = ?`
	p, err := scanPackage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

func (r *PackageRepository) Create(ctx context.Context, p *models.DiamondPackage) (*models.DiamondPackage, error) {
	const query = `
INSERT INTO diamond_packages (title, description, price, diamonds, is_active)
VALUES (?, NULLIF(?, ''), ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, p.Title, p.Description, p.Price, p.Diamonds, p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("package last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PackageRepository) Update(ctx context.Context, p *models.DiamondPackage) (*models.DiamondPackage, error) {
	const query = `
UPDATE diamond_packages
SET title = ?, description = NULLIF(?, ''), price = ?, diamonds = ?, is_active = ?, updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, p.Title, p.Description, p.Price, p.Diamonds, p.IsActive, p.ID); err != nil {
		return nil, fmt.Errorf("update package: %w", err)
	}
	return r.GetByID(ctx, p.ID)
}

func (r *PackageRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM diamond_packages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	return nil
}
