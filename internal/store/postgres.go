package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"docsync/internal/access"
	"docsync/internal/crdt"
)

const pgForeignKeyViolation = "23503"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetDocumentAccess(ctx context.Context, documentID string) (access.Document, error) {
	var (
		doc         access.Document
		workspaceID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, workspace_id, published
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.OwnerID, &workspaceID, &doc.Published)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return access.Document{}, fmt.Errorf("get document access: %w", err)
	}
	doc.WorkspaceID = workspaceID.String
	return doc, nil
}

func (s *PostgresStore) IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM workspace_members WHERE workspace_id=$1 AND user_id=$2)
	`, workspaceID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check workspace membership: %w", err)
	}
	return exists, nil
}

// LoadSnapshot returns ErrDocumentNotFound when the document does not exist
// and ErrSnapshotNotFound when it exists but has never been saved.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	var (
		snapshot  Snapshot
		state     []byte
		version   sql.NullInt64
		updatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, ds.state, ds.version, ds.updated_at
		FROM documents d
		LEFT JOIN document_snapshots ds ON ds.document_id = d.id
		WHERE d.id=$1
	`, documentID).Scan(&snapshot.DocumentID, &state, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrDocumentNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !version.Valid {
		return Snapshot{DocumentID: documentID}, ErrSnapshotNotFound
	}
	snapshot.State = state
	snapshot.Version = version.Int64
	snapshot.UpdatedAt = updatedAt.Time
	return snapshot, nil
}

// SaveSnapshot merges state into the stored snapshot. Saves for one document
// are serialized on its documents row, so a replica that is behind never
// erases operations another instance already saved, and the stored version
// never goes down. Saving the same state twice is a no-op apart from the
// timestamp.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, documentID string, state []byte, version int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("lock document: %w", err)
	}

	var stored []byte
	err = tx.QueryRowContext(ctx, `SELECT state FROM document_snapshots WHERE document_id=$1`, documentID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read stored snapshot: %w", err)
	default:
		merged, err := crdt.Merge(stored, state)
		if err != nil {
			return fmt.Errorf("merge stored snapshot: %w", err)
		}
		state = merged
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_snapshots (document_id, state, version, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id) DO UPDATE
		SET state = EXCLUDED.state,
		    version = GREATEST(document_snapshots.version, EXCLUDED.version),
		    updated_at = NOW()
	`, documentID, state, version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save snapshot: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
