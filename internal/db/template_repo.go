package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"devvelocity/internal/types"
)

// TemplateRepository provides CRUD access for templates, scoped by
// organization.
type TemplateRepository struct {
	db DBTX
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db DBTX) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `id, organization_id, name, description, provider, content,
	created_by, created_at, updated_at`

func scanTemplate(row pgx.Row) (*types.Template, error) {
	var t types.Template
	if err := row.Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Name,
		&t.Description,
		&t.Provider,
		&t.Content,
		&t.CreatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

func templateResult(t *types.Template, err error, action string) (*types.Template, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "template not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to "+action, err)
	}
	return t, nil
}

// Create inserts a template and returns the stored row.
func (r *TemplateRepository) Create(ctx context.Context, t *types.Template) (*types.Template, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO templates (id, organization_id, name, description, provider, content, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+templateColumns,
		t.ID, t.OrganizationID, t.Name, t.Description, t.Provider, t.Content, t.CreatedBy,
	)
	created, err := scanTemplate(row)
	return templateResult(created, err, "create template")
}

// GetByID returns one template.
func (r *TemplateRepository) GetByID(ctx context.Context, orgID, id string) (*types.Template, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE organization_id = $1 AND id = $2`,
		orgID, id,
	)
	t, err := scanTemplate(row)
	return templateResult(t, err, "retrieve template")
}

// List returns an organization's templates ordered by name.
func (r *TemplateRepository) List(ctx context.Context, orgID string) ([]*types.Template, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE organization_id = $1 ORDER BY name`,
		orgID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list templates", err)
	}
	defer rows.Close()

	var out []*types.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan template", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating templates", err)
	}
	return out, nil
}

// Update overwrites the mutable fields of a template.
func (r *TemplateRepository) Update(ctx context.Context, t *types.Template) (*types.Template, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE templates
		 SET name = $1, description = $2, provider = $3, content = $4, updated_at = NOW()
		 WHERE organization_id = $5 AND id = $6
		 RETURNING `+templateColumns,
		t.Name, t.Description, t.Provider, t.Content, t.OrganizationID, t.ID,
	)
	updated, err := scanTemplate(row)
	return templateResult(updated, err, "update template")
}

// Delete removes a template. Templates carry no history, so this is a hard
// delete.
func (r *TemplateRepository) Delete(ctx context.Context, orgID, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM templates WHERE organization_id = $1 AND id = $2`,
		orgID, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete template", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTemplate, "template not found", nil)
	}
	return nil
}
