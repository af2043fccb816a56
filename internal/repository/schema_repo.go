package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ocrbase/ocrbase/internal/models"
)

// SchemaRepository persists the per-tenant schema catalog.
type SchemaRepository struct {
	db *sql.DB
}

// NewSchemaRepository creates a schema repository.
func NewSchemaRepository(db *sql.DB) *SchemaRepository {
	return &SchemaRepository{db: db}
}

// Create inserts a schema document.
func (r *SchemaRepository) Create(ctx context.Context, s *models.SchemaDoc) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schemas (id, tenant_id, name, description, schema_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.Name, nullString(s.Description), s.SchemaJSON,
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("schema name %q already exists for tenant: %w", s.Name, err)
		}
		return fmt.Errorf("inserting schema: %w", err)
	}
	return nil
}

// GetByRef resolves a schemaRef for a tenant. Refs may be the schema ID or
// the schema name.
func (r *SchemaRepository) GetByRef(ctx context.Context, tenantID, ref string) (*models.SchemaDoc, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, schema_json, created_at, updated_at
		FROM schemas WHERE tenant_id = ? AND (id = ? OR name = ?)`,
		tenantID, ref, ref)
	return scanSchema(row)
}

// List returns all schemas for a tenant ordered by name.
func (r *SchemaRepository) List(ctx context.Context, tenantID string) ([]*models.SchemaDoc, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, schema_json, created_at, updated_at
		FROM schemas WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing schemas: %w", err)
	}
	defer rows.Close()

	var out []*models.SchemaDoc
	for rows.Next() {
		s, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a tenant's schema by ID.
func (r *SchemaRepository) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM schemas WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting schema %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchema(row scanner) (*models.SchemaDoc, error) {
	var s models.SchemaDoc
	var description sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &description, &s.SchemaJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning schema: %w", err)
	}
	s.Description = description.String
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}
