package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const repoColumns = `url, commit_id, workspace_path, graph_root_id, max_ast_depth, chunk_size, chunk_overlap, created_at`

// Find retrieves a repository by its (url, commit) key.
func (d *DB) Find(url, commitID string) (*Repository, error) {
	row := d.db.QueryRow(
		`SELECT `+repoColumns+` FROM repositories WHERE url = ? AND commit_id = ?`,
		url, commitID,
	)
	r, err := d.scanRepo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// FindAllByURL returns every cached version of url.
func (d *DB) FindAllByURL(url string) ([]Repository, error) {
	rows, err := d.db.Query(
		`SELECT `+repoColumns+` FROM repositories WHERE url = ? ORDER BY id`,
		url,
	)
	if err != nil {
		return nil, fmt.Errorf("querying repositories by url: %w", err)
	}
	return d.collectRepos(rows)
}

// ListAll returns all cached repositories.
func (d *DB) ListAll() ([]Repository, error) {
	rows, err := d.db.Query(`SELECT ` + repoColumns + ` FROM repositories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	return d.collectRepos(rows)
}

// Upsert inserts a repository or overwrites the one stored under the same key.
func (d *DB) Upsert(repo *Repository) error {
	if repo.URL == "" {
		return fmt.Errorf("upserting repository: url is required")
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	var ownerURL, ownerCommit string
	err = tx.QueryRow(
		`SELECT url, commit_id FROM repositories WHERE workspace_path = ?`,
		repo.WorkspacePath,
	).Scan(&ownerURL, &ownerCommit)
	switch {
	case err == nil:
		if ownerURL != repo.URL || ownerCommit != repo.CommitID {
			return fmt.Errorf("upserting %s: %w (%s)", repo.Key(), ErrPathConflict, Key{ownerURL, ownerCommit})
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("checking workspace path owner: %w", err)
	}

	createdAt := repo.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.Exec(`
		INSERT INTO repositories (`+repoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url, commit_id) DO UPDATE SET
			workspace_path = excluded.workspace_path,
			graph_root_id = excluded.graph_root_id,
			max_ast_depth = excluded.max_ast_depth,
			chunk_size = excluded.chunk_size,
			chunk_overlap = excluded.chunk_overlap,
			created_at = excluded.created_at`,
		repo.URL, repo.CommitID, repo.WorkspacePath, repo.GraphRootID,
		repo.MaxASTDepth, repo.ChunkSize, repo.ChunkOverlap,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting repository: %w", err)
	}

	return tx.Commit()
}

// Remove deletes the repository stored under (url, commitID).
func (d *DB) Remove(url, commitID string) (bool, error) {
	result, err := d.db.Exec(
		`DELETE FROM repositories WHERE url = ? AND commit_id = ?`,
		url, commitID,
	)
	if err != nil {
		return false, fmt.Errorf("removing repository: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting removed rows: %w", err)
	}
	return n > 0, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRepo reads one row. An unparseable created_at is corruption: the
// column is only ever written by Upsert or the schema default.
func (d *DB) scanRepo(row rowScanner) (*Repository, error) {
	var r Repository
	var createdAt string

	err := row.Scan(&r.URL, &r.CommitID, &r.WorkspacePath, &r.GraphRootID,
		&r.MaxASTDepth, &r.ChunkSize, &r.ChunkOverlap, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scanning repository: %w", err)
	}

	r.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, &CorruptionError{
			Path: d.path,
			Err:  fmt.Errorf("created_at of %s: %w", r.Key(), err),
		}
	}
	return &r, nil
}

func (d *DB) collectRepos(rows *sql.Rows) ([]Repository, error) {
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		r, err := d.scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}
