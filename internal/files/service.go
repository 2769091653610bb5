// Package files implements the versioned file portal: every content change
// writes an immutable snapshot, and soft delete is an explicit status with
// guarded transitions.
package files

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"devvelocity/internal/types"
)

// Store is the file and snapshot persistence the service needs. Implemented
// by db.FileRepository.
type Store interface {
	Create(ctx context.Context, f *types.File) (*types.File, error)
	GetByID(ctx context.Context, orgID, id string) (*types.File, error)
	List(ctx context.Context, orgID string, status types.FileStatus) ([]*types.File, error)
	UpdateContent(ctx context.Context, orgID, id, content, modifiedBy string) (*types.File, error)
	Transition(ctx context.Context, orgID, id string, from, to types.FileStatus, by string) (*types.File, error)
	InsertVersion(ctx context.Context, v *types.FileVersion) error
	GetVersion(ctx context.Context, orgID, fileID string, version int) (*types.FileVersion, error)
	ListVersions(ctx context.Context, orgID, fileID string) ([]*types.FileVersion, error)
}

// TxRunner runs fn against a Store bound to a single transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(Store) error) error
}

// Rewriter produces upgraded file content, typically through an LLM.
type Rewriter interface {
	RewriteFile(ctx context.Context, filename, content, instructions string) (string, error)
}

// Service manages files and their version history.
type Service struct {
	store    Store
	tx       TxRunner
	rewriter Rewriter
	logger   *slog.Logger
}

// NewService creates a file Service. rewriter may be nil, in which case
// Upgrade is unavailable.
func NewService(store Store, tx TxRunner, rewriter Rewriter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, tx: tx, rewriter: rewriter, logger: logger}
}

// Create stores a new active file at version 1 together with its first
// snapshot.
func (s *Service) Create(ctx context.Context, orgID, filename, content, by string) (*types.File, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "filename is required", nil)
	}

	var created *types.File
	err := s.tx.RunInTx(ctx, func(st Store) error {
		f, err := st.Create(ctx, &types.File{
			ID:             types.NewID(types.PrefixFile),
			OrganizationID: orgID,
			Filename:       filename,
			Content:        content,
			LastModifiedBy: by,
		})
		if err != nil {
			return err
		}
		if err := st.InsertVersion(ctx, snapshot(f, by)); err != nil {
			return err
		}
		created = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get returns a file in either status.
func (s *Service) Get(ctx context.Context, orgID, id string) (*types.File, error) {
	return s.store.GetByID(ctx, orgID, id)
}

// List returns files in status. An empty status lists active files.
func (s *Service) List(ctx context.Context, orgID string, status types.FileStatus) ([]*types.File, error) {
	switch status {
	case "":
		status = types.FileStatusActive
	case types.FileStatusActive, types.FileStatusDeleted:
	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidStatus,
			fmt.Sprintf("status must be %q or %q", types.FileStatusActive, types.FileStatusDeleted), nil)
	}
	return s.store.List(ctx, orgID, status)
}

// Update replaces the content of an active file, bumps its version and
// writes the matching snapshot in one transaction. Concurrent updates are
// not coordinated; the last write wins.
func (s *Service) Update(ctx context.Context, orgID, id, content, by string) (*types.File, error) {
	var updated *types.File
	err := s.tx.RunInTx(ctx, func(st Store) error {
		f, err := st.UpdateContent(ctx, orgID, id, content, by)
		if err != nil {
			if types.IsCode(err, types.ErrCodeNotFoundFile) {
				return s.explainMissing(ctx, st, orgID, id, types.FileStatusActive)
			}
			return err
		}
		if err := st.InsertVersion(ctx, snapshot(f, by)); err != nil {
			return err
		}
		updated = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete soft-deletes an active file. Content and history are retained.
func (s *Service) Delete(ctx context.Context, orgID, id, by string) (*types.File, error) {
	return s.transition(ctx, orgID, id, types.FileStatusActive, types.FileStatusDeleted, by)
}

// Restore returns a soft-deleted file to active with its content unchanged.
func (s *Service) Restore(ctx context.Context, orgID, id, by string) (*types.File, error) {
	return s.transition(ctx, orgID, id, types.FileStatusDeleted, types.FileStatusActive, by)
}

func (s *Service) transition(ctx context.Context, orgID, id string, from, to types.FileStatus, by string) (*types.File, error) {
	f, err := s.store.Transition(ctx, orgID, id, from, to, by)
	if err == nil {
		s.logger.InfoContext(ctx, "file status changed",
			"org_id", orgID,
			"file_id", id,
			"from", from,
			"to", to,
		)
		return f, nil
	}
	if types.IsCode(err, types.ErrCodeNotFoundFile) {
		return nil, s.explainMissing(ctx, s.store, orgID, id, from)
	}
	return nil, err
}

// explainMissing turns a guarded write that matched no row into either
// not found or a conflict naming the file's actual status.
func (s *Service) explainMissing(ctx context.Context, st Store, orgID, id string, want types.FileStatus) error {
	f, err := st.GetByID(ctx, orgID, id)
	if err != nil {
		return err
	}
	if f.Status == want {
		// Changed back between the write and this read.
		return types.NewAppError(types.ErrCodeConflictFileActive, "file was modified concurrently", nil)
	}
	if f.Status == types.FileStatusDeleted {
		return types.NewAppError(types.ErrCodeConflictFileDeleted, "file is deleted", nil)
	}
	return types.NewAppError(types.ErrCodeConflictFileActive, "file is already active", nil)
}

// Versions lists every snapshot of a file, newest first.
func (s *Service) Versions(ctx context.Context, orgID, id string) ([]*types.FileVersion, error) {
	if _, err := s.store.GetByID(ctx, orgID, id); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, orgID, id)
}

// Version returns one snapshot.
func (s *Service) Version(ctx context.Context, orgID, id string, version int) (*types.FileVersion, error) {
	if version < 1 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidVersion, "version must be a positive integer", nil)
	}
	return s.store.GetVersion(ctx, orgID, id, version)
}

// RestoreVersion writes the content of snapshot version as a new version of
// an active file.
func (s *Service) RestoreVersion(ctx context.Context, orgID, id string, version int, by string) (*types.File, error) {
	v, err := s.Version(ctx, orgID, id, version)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, orgID, id, v.Content, by)
}

// Upgrade asks the rewriter for improved content and stores it as a new
// version.
func (s *Service) Upgrade(ctx context.Context, orgID, id, instructions, by string) (*types.File, error) {
	if s.rewriter == nil {
		return nil, types.NewAppError(types.ErrCodeInternalConfig, "file upgrade is not configured", nil)
	}
	f, err := s.store.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if f.Status != types.FileStatusActive {
		return nil, types.NewAppError(types.ErrCodeConflictFileDeleted, "file is deleted", nil)
	}

	content, err := s.rewriter.RewriteFile(ctx, f.Filename, f.Content, instructions)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, orgID, id, content, by)
}

// Diff is a unified diff between two snapshots of a file.
type Diff struct {
	FileID  string `json:"file_id"`
	From    int    `json:"from"`
	To      int    `json:"to"`
	Unified string `json:"unified"`
}

// Diff compares snapshots from and to.
func (s *Service) Diff(ctx context.Context, orgID, id string, from, to int) (*Diff, error) {
	a, err := s.Version(ctx, orgID, id, from)
	if err != nil {
		return nil, err
	}
	b, err := s.Version(ctx, orgID, id, to)
	if err != nil {
		return nil, err
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a.Content),
		B:        difflib.SplitLines(b.Content),
		FromFile: fmt.Sprintf("v%d", from),
		ToFile:   fmt.Sprintf("v%d", to),
		Context:  3,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compute diff", err)
	}
	return &Diff{FileID: id, From: from, To: to, Unified: text}, nil
}

func snapshot(f *types.File, by string) *types.FileVersion {
	return &types.FileVersion{
		ID:             types.NewID(types.PrefixFileVersion),
		FileID:         f.ID,
		OrganizationID: f.OrganizationID,
		Version:        f.Version,
		Content:        f.Content,
		CreatedBy:      by,
	}
}
