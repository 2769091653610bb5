package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"devvelocity/internal/types"
)

// AIBuilderRepository stores AI builder questionnaires and generated plans.
type AIBuilderRepository struct {
	db DBTX
}

// NewAIBuilderRepository creates a new AIBuilderRepository.
func NewAIBuilderRepository(db DBTX) *AIBuilderRepository {
	return &AIBuilderRepository{db: db}
}

// InsertAnswers stores a submitted questionnaire.
func (r *AIBuilderRepository) InsertAnswers(ctx context.Context, a *types.AIBuilderAnswers) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ai_builder_answers (id, organization_id, user_id, answers)
		 VALUES ($1, $2, $3, $4)`,
		a.ID, a.OrganizationID, a.UserID, a.Answers,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store ai builder answers", err)
	}
	return nil
}

// InsertBuild stores a build outcome, successful or failed.
func (r *AIBuilderRepository) InsertBuild(ctx context.Context, b *types.AIBuild) error {
	providers := b.Providers
	if providers == nil {
		providers = []string{}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO ai_builder_builds (id, organization_id, answers_id, providers,
		 automation, model, plan, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.OrganizationID, b.AnswersID, providers,
		b.Automation, b.Model, b.Plan, b.Status, nilIfEmpty(b.Error),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store ai build", err)
	}
	return nil
}

const buildColumns = `id, organization_id, answers_id, providers, automation, model,
	plan, status, error, created_at`

func scanBuild(row pgx.Row) (*types.AIBuild, error) {
	var b types.AIBuild
	var buildErr *string
	if err := row.Scan(
		&b.ID,
		&b.OrganizationID,
		&b.AnswersID,
		&b.Providers,
		&b.Automation,
		&b.Model,
		&b.Plan,
		&b.Status,
		&buildErr,
		&b.CreatedAt,
	); err != nil {
		return nil, err
	}
	b.Error = derefString(buildErr)
	return &b, nil
}

// GetBuild returns one build.
func (r *AIBuilderRepository) GetBuild(ctx context.Context, orgID, id string) (*types.AIBuild, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+buildColumns+` FROM ai_builder_builds WHERE organization_id = $1 AND id = $2`,
		orgID, id,
	)
	b, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBuild, "build not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve build", err)
	}
	return b, nil
}

// ListBuilds returns the newest builds for an organization.
func (r *AIBuilderRepository) ListBuilds(ctx context.Context, orgID string, limit int) ([]*types.AIBuild, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+buildColumns+` FROM ai_builder_builds
		 WHERE organization_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list builds", err)
	}
	defer rows.Close()

	var out []*types.AIBuild
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan build", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating builds", err)
	}
	return out, nil
}
