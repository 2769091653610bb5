package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"devvelocity/internal/types"
)

// FileRepository provides data access for files and file_version_history.
type FileRepository struct {
	db DBTX
}

// NewFileRepository creates a new FileRepository.
func NewFileRepository(db DBTX) *FileRepository {
	return &FileRepository{db: db}
}

const fileColumns = `id, organization_id, filename, content, status, deleted_at,
	last_modified_by, version, created_at, updated_at`

func scanFile(row pgx.Row) (*types.File, error) {
	var f types.File
	if err := row.Scan(
		&f.ID,
		&f.OrganizationID,
		&f.Filename,
		&f.Content,
		&f.Status,
		&f.DeletedAt,
		&f.LastModifiedBy,
		&f.Version,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &f, nil
}

func fileResult(f *types.File, err error, action string) (*types.File, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundFile, "file not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to "+action, err)
	}
	return f, nil
}

// Create inserts a new active file at version 1.
func (r *FileRepository) Create(ctx context.Context, f *types.File) (*types.File, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO files (id, organization_id, filename, content, status, last_modified_by, version)
		 VALUES ($1, $2, $3, $4, 'active', $5, 1)
		 RETURNING `+fileColumns,
		f.ID, f.OrganizationID, f.Filename, f.Content, f.LastModifiedBy,
	)
	created, err := scanFile(row)
	return fileResult(created, err, "create file")
}

// GetByID returns a file in either status.
func (r *FileRepository) GetByID(ctx context.Context, orgID, id string) (*types.File, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE organization_id = $1 AND id = $2`,
		orgID, id,
	)
	f, err := scanFile(row)
	return fileResult(f, err, "retrieve file")
}

// List returns files in the given status, most recently updated first.
func (r *FileRepository) List(ctx context.Context, orgID string, status types.FileStatus) ([]*types.File, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE organization_id = $1 AND status = $2
		 ORDER BY updated_at DESC`,
		orgID, status,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list files", err)
	}
	defer rows.Close()

	var out []*types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan file", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating files", err)
	}
	return out, nil
}

// UpdateContent writes new content to an active file and increments its
// version. Concurrent writers are not coordinated; the last write wins.
// A missing or deleted file yields not found.
func (r *FileRepository) UpdateContent(ctx context.Context, orgID, id, content, modifiedBy string) (*types.File, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE files
		 SET content = $1, last_modified_by = $2, version = version + 1, updated_at = NOW()
		 WHERE organization_id = $3 AND id = $4 AND status = 'active'
		 RETURNING `+fileColumns,
		content, modifiedBy, orgID, id,
	)
	f, err := scanFile(row)
	return fileResult(f, err, "update file")
}

// Transition moves a file from one status to another, keeping content. It
// returns not found when the file does not exist or is not in status from;
// callers check the current status first to report a conflict.
func (r *FileRepository) Transition(ctx context.Context, orgID, id string, from, to types.FileStatus, by string) (*types.File, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE files
		 SET status = $1,
		     deleted_at = CASE WHEN $1 = 'deleted' THEN NOW() ELSE NULL END,
		     last_modified_by = $2,
		     updated_at = NOW()
		 WHERE organization_id = $3 AND id = $4 AND status = $5
		 RETURNING `+fileColumns,
		to, by, orgID, id, from,
	)
	f, err := scanFile(row)
	return fileResult(f, err, "change file status")
}

// InsertVersion appends an immutable snapshot.
func (r *FileRepository) InsertVersion(ctx context.Context, v *types.FileVersion) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO file_version_history (id, file_id, organization_id, version, content, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.FileID, v.OrganizationID, v.Version, v.Content, v.CreatedBy,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert file version", err)
	}
	return nil
}

const versionColumns = `id, file_id, organization_id, version, content, created_by, created_at`

func scanVersion(row pgx.Row) (*types.FileVersion, error) {
	var v types.FileVersion
	if err := row.Scan(&v.ID, &v.FileID, &v.OrganizationID, &v.Version, &v.Content, &v.CreatedBy, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVersion returns snapshot number version of a file.
func (r *FileRepository) GetVersion(ctx context.Context, orgID, fileID string, version int) (*types.FileVersion, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM file_version_history
		 WHERE organization_id = $1 AND file_id = $2 AND version = $3`,
		orgID, fileID, version,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundVersion, "file version not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve file version", err)
	}
	return v, nil
}

// ListVersions returns every snapshot of a file, newest first.
func (r *FileRepository) ListVersions(ctx context.Context, orgID, fileID string) ([]*types.FileVersion, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+versionColumns+` FROM file_version_history
		 WHERE organization_id = $1 AND file_id = $2
		 ORDER BY version DESC`,
		orgID, fileID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list file versions", err)
	}
	defer rows.Close()

	var out []*types.FileVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan file version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating file versions", err)
	}
	return out, nil
}
