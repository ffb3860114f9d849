package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/studyshelf/studyshelf-api/internal/models"
)

// MaterialRepository handles material metadata persistence.
type MaterialRepository struct {
	db *sqlx.DB
}

// NewMaterialRepository constructs the repository.
func NewMaterialRepository(db *sqlx.DB) *MaterialRepository {
	return &MaterialRepository{db: db}
}

// Create stores metadata for an uploaded material.
func (r *MaterialRepository) Create(ctx context.Context, item *models.Material) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO materials
	(id, title, description, subject_id, unit, uploaded_by, filename, file_path, mime_type, size_bytes, created_at)
	VALUES (:id, :title, :description, :subject_id, :unit, :uploaded_by, :filename, :file_path, :mime_type, :size_bytes, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("create material: %w", err)
	}
	return nil
}

// GetByID retrieves one material row.
func (r *MaterialRepository) GetByID(ctx context.Context, id string) (*models.Material, error) {
	const query = `SELECT id, title, description, subject_id, unit, uploaded_by, filename, file_path, mime_type, size_bytes, created_at
	FROM materials WHERE id = $1`
	var item models.Material
	if err := r.db.GetContext(ctx, &item, query, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetByFilename retrieves one material row by its stored filename.
func (r *MaterialRepository) GetByFilename(ctx context.Context, filename string) (*models.Material, error) {
	const query = `SELECT id, title, description, subject_id, unit, uploaded_by, filename, file_path, mime_type, size_bytes, created_at
	FROM materials WHERE filename = $1 LIMIT 1`
	var item models.Material
	if err := r.db.GetContext(ctx, &item, query, filename); err != nil {
		return nil, err
	}
	return &item, nil
}

// List returns materials newest-first. Filters are optional; the default call
// returns the whole catalog.
func (r *MaterialRepository) List(ctx context.Context, filter models.MaterialFilter) ([]models.Material, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT id, title, description, subject_id, unit, uploaded_by, filename, file_path, mime_type, size_bytes, created_at FROM materials`)
	args := make([]interface{}, 0, 2)
	conditions := make([]string, 0, 2)

	if filter.SubjectID != nil {
		args = append(args, *filter.SubjectID)
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if filter.Unit != nil {
		args = append(args, *filter.Unit)
		conditions = append(conditions, fmt.Sprintf("unit = $%d", len(args)))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	if filter.Limit > 0 {
		offset := filter.Offset
		if offset < 0 {
			offset = 0
		}
		builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, offset))
	}

	records := make([]models.Material, 0)
	if err := r.db.SelectContext(ctx, &records, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	return records, nil
}

// Delete removes a material row. sql.ErrNoRows is returned when the row no
// longer exists.
func (r *MaterialRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM materials WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete material: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check material delete rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
