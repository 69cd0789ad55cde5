// Package primary provides the authoritative transactional record store for
// canvas-sync.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) with WAL mode
// for concurrent reads during writes. It owns two tables - nodes and edges -
// and every committed mutation is durable here before the secondary graph
// store ever sees it.
//
// Layout:
//   - nodes: full record as a JSON data column plus promoted columns for
//     the fields hydration queries on (kind, parent_id, updated_at)
//   - edges: JSON data column plus promoted endpoint columns
package primary

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kittclouds/canvas-sync/internal/record"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with canvas-sync specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close when done.
//
// Use ":memory:" for an in-memory store (tests, throwaway sessions).
func Open(path string) (*DB, error) {
	connStr := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	if path == ":memory:" {
		// A pool would hand each connection its own private memory database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)

		if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != ":memory:" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the nodes and edges tables if they don't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'note',
		parent_id TEXT,
		data TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		rel_type TEXT NOT NULL DEFAULT 'related',
		data TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hydration query paths
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_updated ON nodes(updated_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes(kind);

	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// NodeRow is one row of the nodes table with its record payload decoded.
type NodeRow struct {
	ID        string
	Kind      string
	ParentID  string
	Data      record.Record
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EdgeRow is one row of the edges table with its record payload decoded.
type EdgeRow struct {
	ID        string
	SourceID  string
	TargetID  string
	RelType   string
	Data      record.Record
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

const nodeColumns = "id, kind, parent_id, data, version, created_at, updated_at"
const edgeColumns = "id, source_id, target_id, rel_type, data, version, created_at, updated_at"

func scanNode(scan func(...any) error) (*NodeRow, error) {
	var row NodeRow
	var parentID sql.NullString
	var data, createdAt, updatedAt string
	if err := scan(&row.ID, &row.Kind, &parentID, &data, &row.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		row.ParentID = parentID.String
	}
	rec, err := record.UnmarshalJSONData(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt node row %s: %w", row.ID, err)
	}
	row.Data = rec
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &row, nil
}

func scanEdge(scan func(...any) error) (*EdgeRow, error) {
	var row EdgeRow
	var data, createdAt, updatedAt string
	if err := scan(&row.ID, &row.SourceID, &row.TargetID, &row.RelType, &data, &row.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec, err := record.UnmarshalJSONData(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt edge row %s: %w", row.ID, err)
	}
	row.Data = rec
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &row, nil
}

// GetNode returns the node row for id, or nil if absent.
func (db *DB) GetNode(ctx context.Context, id string) (*NodeRow, error) {
	row, err := scanNode(db.conn.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return row, err
}

// GetEdge returns the edge row for id, or nil if absent.
func (db *DB) GetEdge(ctx context.Context, id string) (*EdgeRow, error) {
	row, err := scanEdge(db.conn.QueryRowContext(ctx,
		"SELECT "+edgeColumns+" FROM edges WHERE id = ?", id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return row, err
}

// NodeCount returns the number of node rows.
func (db *DB) NodeCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

// EdgeCount returns the number of edge rows.
func (db *DB) EdgeCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM edges").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return count, nil
}

func (db *DB) queryNodes(ctx context.Context, query string, args ...any) ([]*NodeRow, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeRow
	for rows.Next() {
		row, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListRootNodes returns root-level nodes (no parent), most recent first.
func (db *DB) ListRootNodes(ctx context.Context, limit int) ([]*NodeRow, error) {
	nodes, err := db.queryNodes(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE parent_id IS NULL OR parent_id = '' ORDER BY updated_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list root nodes: %w", err)
	}
	return nodes, nil
}

// ListRecentNonRootNodes returns the most recently updated non-root nodes.
func (db *DB) ListRecentNonRootNodes(ctx context.Context, limit int) ([]*NodeRow, error) {
	nodes, err := db.queryNodes(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE parent_id IS NOT NULL AND parent_id != '' ORDER BY updated_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent nodes: %w", err)
	}
	return nodes, nil
}

// ListChildNodes returns nodes whose parent_id is one of parentIDs.
func (db *DB) ListChildNodes(ctx context.Context, parentIDs []string, limit int) ([]*NodeRow, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(parentIDs)+1)
	for i, id := range parentIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	args = append(args, limit)

	nodes, err := db.queryNodes(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE parent_id IN ("+placeholders+") ORDER BY updated_at DESC LIMIT ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list child nodes: %w", err)
	}
	return nodes, nil
}

// ListAllNodes returns every node row. Used by bulk hydration, the Full
// hydration phase, and full resync.
func (db *DB) ListAllNodes(ctx context.Context) ([]*NodeRow, error) {
	nodes, err := db.queryNodes(ctx, "SELECT "+nodeColumns+" FROM nodes")
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// ListAllEdges returns every edge row.
func (db *DB) ListAllEdges(ctx context.Context) ([]*EdgeRow, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+edgeColumns+" FROM edges")
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var out []*EdgeRow
	for rows.Next() {
		row, err := scanEdge(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
