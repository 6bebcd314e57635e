package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

type ProductRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// Upsert keys on (company_id, sku) so a re-run of the same import updates
// rows instead of duplicating them. Products without a SKU always insert.
func (r *ProductRepository) Upsert(ctx context.Context, p *domain.CatalogProduct) error {
	pathsJSON, err := json.Marshal(p.ImagePaths)
	if err != nil {
		return fmt.Errorf("marshal image paths: %w", err)
	}
	if p.ImagePaths == nil {
		pathsJSON = []byte("[]")
	}

	if p.SKU == "" {
		_, err = r.db.ExecContext(ctx, `
INSERT INTO catalog_products (id, company_id, sku, name, description, price, quantity, image_paths, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, p.ID, p.CompanyID, p.ID, p.Name, p.Description, p.Price, p.Quantity, pathsJSON, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO catalog_products (id, company_id, sku, name, description, price, quantity, image_paths, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (company_id, sku) DO UPDATE
SET name = EXCLUDED.name,
	description = EXCLUDED.description,
	price = EXCLUDED.price,
	quantity = EXCLUDED.quantity,
	image_paths = EXCLUDED.image_paths,
	updated_at = EXCLUDED.updated_at
`, p.ID, p.CompanyID, p.SKU, p.Name, p.Description, p.Price, p.Quantity, pathsJSON, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}
