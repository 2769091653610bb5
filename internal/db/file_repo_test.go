package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"devvelocity/internal/types"
)

func fileRowValues(status types.FileStatus, version int, deletedAt *time.Time) []any {
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	return []any{
		"file_1", "org_1", "main.tf", "resource {}", status, deletedAt,
		"user_1", version, ts, ts,
	}
}

func TestFileRepository_Create(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFileRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"),
		[]any{"file_1", "org_1", "main.tf", "resource {}", "user_1"}).
		Return(&mockRow{values: fileRowValues(types.FileStatusActive, 1, nil)})

	f, err := repo.Create(context.Background(), &types.File{
		ID: "file_1", OrganizationID: "org_1", Filename: "main.tf",
		Content: "resource {}", LastModifiedBy: "user_1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Version)
	assert.Equal(t, types.FileStatusActive, f.Status)
	assert.Nil(t, f.DeletedAt)
}

func TestFileRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFileRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "org_1", "nope")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundFile))
}

func TestFileRepository_UpdateContent_IncrementsVersion(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFileRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{"new", "user_2", "org_1", "file_1"}).
		Return(&mockRow{values: fileRowValues(types.FileStatusActive, 4, nil)})

	f, err := repo.UpdateContent(context.Background(), "org_1", "file_1", "new", "user_2")
	require.NoError(t, err)
	assert.Equal(t, 4, f.Version)
}

func TestFileRepository_Transition_ToDeleted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFileRepository(db)
	deletedAt := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, mock.Anything,
		[]any{types.FileStatusDeleted, "user_1", "org_1", "file_1", types.FileStatusActive}).
		Return(&mockRow{values: fileRowValues(types.FileStatusDeleted, 2, &deletedAt)})

	f, err := repo.Transition(context.Background(), "org_1", "file_1",
		types.FileStatusActive, types.FileStatusDeleted, "user_1")
	require.NoError(t, err)
	assert.Equal(t, types.FileStatusDeleted, f.Status)
	require.NotNil(t, f.DeletedAt)
	assert.Equal(t, deletedAt, *f.DeletedAt)
	assert.Equal(t, "resource {}", f.Content)
}

func TestFileRepository_Transition_WrongStatus(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFileRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Transition(context.Background(), "org_1", "file_1",
		types.FileStatusDeleted, types.FileStatusActive, "user_1")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundFile))
}

func TestFileRepository_InsertVersion_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFileRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("duplicate key"))

	err := repo.InsertVersion(context.Background(), &types.FileVersion{ID: "fv_1", FileID: "file_1", Version: 2})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestFileRepository_GetVersion_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFileRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{"org_1", "file_1", 9}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetVersion(context.Background(), "org_1", "file_1", 9)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundVersion))
}

func TestFileRepository_ListVersions(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFileRepository(db)
	ts := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	rows := newMockRows([][]any{
		{"fv_2", "file_1", "org_1", 2, "b", "user_1", ts},
		{"fv_1", "file_1", "org_1", 1, "a", "user_1", ts},
	})
	db.On("Query", mock.Anything, mock.Anything, []any{"org_1", "file_1"}).Return(rows, nil)

	versions, err := repo.ListVersions(context.Background(), "org_1", "file_1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, "a", versions[1].Content)
}
