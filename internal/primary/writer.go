package primary

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kittclouds/canvas-sync/internal/delta"
	"github.com/kittclouds/canvas-sync/internal/record"
)

// WriterConfig controls transaction batching and retry behavior.
type WriterConfig struct {
	// BatchSize is the number of rows per multi-row INSERT statement.
	BatchSize int

	// RetryAttempts is the total number of attempts per batch. The batch is
	// all-or-nothing; a failed attempt rolls back completely before the
	// next one starts.
	RetryAttempts int

	// RetryBaseDelay is the backoff base; attempt n sleeps base * 2^n.
	RetryBaseDelay time.Duration
}

// DefaultWriterConfig returns the writer defaults used by the engine.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:      100,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
	}
}

// Result reports the outcome of one batch transaction.
type Result struct {
	Success       bool
	BatchID       string
	InsertedNodes int
	UpdatedNodes  int
	DeletedNodes  int
	InsertedEdges int
	UpdatedEdges  int
	DeletedEdges  int
	Errors        []string
	Duration      time.Duration
}

// TxWriter converts a batch of deltas into one atomic transaction against
// the primary store.
//
// Statement order inside the transaction: node deletes, node inserts, node
// updates, then the same for edges. Deletes run first to free uniqueness
// constraints before re-insertion; node operations precede edge operations
// because edge rows reference node identity.
//
// No partial commit is ever exposed: any statement failure rolls the whole
// transaction back, and the batch is retried with exponential backoff. If
// every attempt fails the caller re-queues the deltas, giving at-least-once
// delivery.
type TxWriter struct {
	db     *DB
	logger *log.Logger

	mu  sync.Mutex
	cfg WriterConfig

	// failBeforeCommit injects deterministic commit failures in tests.
	failBeforeCommit func(attempt int) error
}

// NewTxWriter creates a writer. If logger is nil, a default stderr logger is
// used.
func NewTxWriter(db *DB, cfg WriterConfig, logger *log.Logger) *TxWriter {
	if logger == nil {
		logger = log.New(os.Stderr, "[writer] ", log.LstdFlags)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &TxWriter{db: db, cfg: cfg, logger: logger}
}

// SetConfig swaps the writer configuration as a whole.
func (w *TxWriter) SetConfig(cfg WriterConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	w.cfg = cfg
}

func (w *TxWriter) config() WriterConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Execute runs the batch as one atomic transaction, retrying on failure.
// The returned result always carries per-operation counts for the final
// attempt; Success is false only after every retry is exhausted.
func (w *TxWriter) Execute(ctx context.Context, deltas []*delta.Delta) *Result {
	cfg := w.config()
	start := time.Now()
	result := &Result{BatchID: uuid.NewString()}

	if len(deltas) == 0 {
		result.Success = true
		result.Duration = time.Since(start)
		return result
	}

	var lastErr error
	for attempt := 0; attempt < cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := cfg.RetryBaseDelay * (1 << (attempt - 1))
			w.logger.Printf("Retrying batch %s (attempt %d/%d) after %v: %v",
				result.BatchID, attempt+1, cfg.RetryAttempts, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				result.Errors = append(result.Errors, ctx.Err().Error())
				result.Duration = time.Since(start)
				return result
			}
		}

		counts, err := w.executeOnce(ctx, deltas, cfg, attempt)
		if err == nil {
			result.Success = true
			result.InsertedNodes = counts.insertedNodes
			result.UpdatedNodes = counts.updatedNodes
			result.DeletedNodes = counts.deletedNodes
			result.InsertedEdges = counts.insertedEdges
			result.UpdatedEdges = counts.updatedEdges
			result.DeletedEdges = counts.deletedEdges
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err
		result.Errors = append(result.Errors, err.Error())
	}

	w.logger.Printf("Batch %s failed after %d attempts: %v", result.BatchID, cfg.RetryAttempts, lastErr)
	result.Duration = time.Since(start)
	return result
}

type txCounts struct {
	insertedNodes, updatedNodes, deletedNodes int
	insertedEdges, updatedEdges, deletedEdges int
}

func (w *TxWriter) executeOnce(ctx context.Context, deltas []*delta.Delta, cfg WriterConfig, attempt int) (txCounts, error) {
	var counts txCounts

	tx, err := w.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nodes, edges := partition(deltas)

	if err := w.applyClass(ctx, tx, nodes, delta.ClassNode, cfg, &counts); err != nil {
		return txCounts{}, err
	}
	if err := w.applyClass(ctx, tx, edges, delta.ClassEdge, cfg, &counts); err != nil {
		return txCounts{}, err
	}

	if w.failBeforeCommit != nil {
		if err := w.failBeforeCommit(attempt); err != nil {
			return txCounts{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return txCounts{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return counts, nil
}

func partition(deltas []*delta.Delta) (nodes, edges []*delta.Delta) {
	for _, d := range deltas {
		if d.Class == delta.ClassEdge {
			edges = append(edges, d)
		} else {
			nodes = append(nodes, d)
		}
	}
	return nodes, edges
}

// applyClass applies one entity class in delete, insert, update order.
func (w *TxWriter) applyClass(ctx context.Context, tx *sql.Tx, deltas []*delta.Delta, class delta.Class, cfg WriterConfig, counts *txCounts) error {
	var deletes []string
	var inserts, updates []*delta.Delta
	for _, d := range deltas {
		switch d.Op {
		case delta.OpDelete:
			deletes = append(deletes, d.ID)
		case delta.OpInsert:
			inserts = append(inserts, d)
		case delta.OpUpdate:
			updates = append(updates, d)
		}
	}

	deleted, err := w.deleteRows(ctx, tx, class, deletes, cfg.BatchSize)
	if err != nil {
		return err
	}

	inserted, err := w.insertRows(ctx, tx, class, inserts, cfg.BatchSize)
	if err != nil {
		return err
	}

	updated := 0
	for _, d := range updates {
		ok, err := w.updateRow(ctx, tx, d)
		if err != nil {
			return err
		}
		if ok {
			updated++
		}
	}

	if class == delta.ClassEdge {
		counts.deletedEdges += deleted
		counts.insertedEdges += inserted
		counts.updatedEdges += updated
	} else {
		counts.deletedNodes += deleted
		counts.insertedNodes += inserted
		counts.updatedNodes += updated
	}
	return nil
}

func tableFor(class delta.Class) string {
	if class == delta.ClassEdge {
		return "edges"
	}
	return "nodes"
}

func (w *TxWriter) deleteRows(ctx context.Context, tx *sql.Tx, class delta.Class, ids []string, chunkSize int) (int, error) {
	deleted := 0
	table := tableFor(class)
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)",
			table, placeholders(len(chunk)))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += int(n)
		}
	}
	return deleted, nil
}

func (w *TxWriter) insertRows(ctx context.Context, tx *sql.Tx, class delta.Class, deltas []*delta.Delta, chunkSize int) (int, error) {
	if class == delta.ClassEdge {
		return w.insertEdges(ctx, tx, deltas, chunkSize)
	}
	return w.insertNodes(ctx, tx, deltas, chunkSize)
}

func (w *TxWriter) insertNodes(ctx context.Context, tx *sql.Tx, deltas []*delta.Delta, chunkSize int) (int, error) {
	inserted := 0
	for start := 0; start < len(deltas); start += chunkSize {
		end := start + chunkSize
		if end > len(deltas) {
			end = len(deltas)
		}
		chunk := deltas[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO nodes (id, kind, parent_id, data, version, created_at, updated_at) VALUES ")
		args := make([]any, 0, len(chunk)*7)
		for i, d := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")

			data, err := d.Data.MarshalJSONData()
			if err != nil {
				return 0, fmt.Errorf("node %s: %w", d.ID, err)
			}
			ts := d.Timestamp.UTC().Format(time.RFC3339Nano)
			kind := d.Data.String(record.FieldKind)
			if kind == "" {
				kind = "note"
			}
			args = append(args, d.ID, kind, nullIfEmpty(d.Data.String(record.FieldParentID)),
				data, d.Version, ts, ts)
		}
		sb.WriteString(` ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			parent_id = excluded.parent_id,
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at`)

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return 0, fmt.Errorf("failed to insert nodes: %w", err)
		}
		inserted += len(chunk)
	}
	return inserted, nil
}

func (w *TxWriter) insertEdges(ctx context.Context, tx *sql.Tx, deltas []*delta.Delta, chunkSize int) (int, error) {
	// Malformed edge rows (missing an endpoint id) are skipped with a
	// warning; the rest of the batch proceeds.
	valid := make([]*delta.Delta, 0, len(deltas))
	for _, d := range deltas {
		if d.Data.String(record.FieldSourceID) == "" || d.Data.String(record.FieldTargetID) == "" {
			w.logger.Printf("Warning: skipping edge %s: missing endpoint id", d.ID)
			continue
		}
		valid = append(valid, d)
	}

	inserted := 0
	for start := 0; start < len(valid); start += chunkSize {
		end := start + chunkSize
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO edges (id, source_id, target_id, rel_type, data, version, created_at, updated_at) VALUES ")
		args := make([]any, 0, len(chunk)*8)
		for i, d := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")

			data, err := d.Data.MarshalJSONData()
			if err != nil {
				return 0, fmt.Errorf("edge %s: %w", d.ID, err)
			}
			ts := d.Timestamp.UTC().Format(time.RFC3339Nano)
			relType := d.Data.String(record.FieldRelType)
			if relType == "" {
				relType = "related"
			}
			args = append(args, d.ID, d.Data.String(record.FieldSourceID),
				d.Data.String(record.FieldTargetID), relType, data, d.Version, ts, ts)
		}
		sb.WriteString(` ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			rel_type = excluded.rel_type,
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at`)

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return 0, fmt.Errorf("failed to insert edges: %w", err)
		}
		inserted += len(chunk)
	}
	return inserted, nil
}

// updateRow applies either a field-level patch or a full-row replace,
// depending on which variant of delta was produced. Reports whether a row
// was actually touched.
func (w *TxWriter) updateRow(ctx context.Context, tx *sql.Tx, d *delta.Delta) (bool, error) {
	table := tableFor(d.Class)
	ts := d.Timestamp.UTC().Format(time.RFC3339Nano)

	var res sql.Result
	var err error
	if d.FullData || len(d.Patches) == 0 {
		data, merr := d.Data.MarshalJSONData()
		if merr != nil {
			return false, fmt.Errorf("%s %s: %w", table, d.ID, merr)
		}
		if d.Class == delta.ClassEdge {
			if d.Data.String(record.FieldSourceID) == "" || d.Data.String(record.FieldTargetID) == "" {
				w.logger.Printf("Warning: skipping edge %s: missing endpoint id", d.ID)
				return false, nil
			}
			res, err = tx.ExecContext(ctx, `UPDATE edges SET
				source_id = ?, target_id = ?, rel_type = ?, data = ?, version = ?, updated_at = ?
				WHERE id = ?`,
				d.Data.String(record.FieldSourceID), d.Data.String(record.FieldTargetID),
				relTypeOr(d.Data), data, d.Version, ts, d.ID)
		} else {
			kind := d.Data.String(record.FieldKind)
			if kind == "" {
				kind = "note"
			}
			res, err = tx.ExecContext(ctx, `UPDATE nodes SET
				kind = ?, parent_id = ?, data = ?, version = ?, updated_at = ?
				WHERE id = ?`,
				kind, nullIfEmpty(d.Data.String(record.FieldParentID)), data, d.Version, ts, d.ID)
		}
	} else {
		if d.Class == delta.ClassEdge && patchesDropEndpoint(d.Patches) {
			w.logger.Printf("Warning: skipping edge %s: patch removes endpoint id", d.ID)
			return false, nil
		}
		res, err = w.patchRow(ctx, tx, d, table, ts)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update %s %s: %w", table, d.ID, err)
	}

	n, raErr := res.RowsAffected()
	if raErr == nil && n == 0 {
		w.logger.Printf("Warning: update for missing %s row %s had no effect", table, d.ID)
		return false, nil
	}
	return true, nil
}

// patchRow compiles an ordered patch list into json_set/json_remove chains
// over the data column. Promoted columns are kept in step when a patch
// touches them.
func (w *TxWriter) patchRow(ctx context.Context, tx *sql.Tx, d *delta.Delta, table, ts string) (sql.Result, error) {
	dataExpr := "data"
	var args []any
	promoted := map[string]any{}

	for _, p := range d.Patches {
		if p.Path == "" {
			continue
		}
		jsonPath := "$." + p.Path
		switch p.Op {
		case record.PatchReplace, record.PatchAdd:
			value, err := json.Marshal(p.Value)
			if err != nil {
				return nil, fmt.Errorf("patch %s: %w", p.Path, err)
			}
			dataExpr = fmt.Sprintf("json_set(%s, ?, json(?))", dataExpr)
			args = append(args, jsonPath, string(value))
			if isPromoted(d.Class, p.Path) {
				promoted[p.Path] = p.Value
			}
		case record.PatchRemove:
			dataExpr = fmt.Sprintf("json_remove(%s, ?)", dataExpr)
			args = append(args, jsonPath)
			if isPromoted(d.Class, p.Path) {
				promoted[p.Path] = nil
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "UPDATE %s SET data = %s, version = ?, updated_at = ?", table, dataExpr)
	args = append(args, d.Version, ts)
	for col, val := range promoted {
		fmt.Fprintf(&sb, ", %s = ?", col)
		args = append(args, val)
	}
	sb.WriteString(" WHERE id = ?")
	args = append(args, d.ID)

	return tx.ExecContext(ctx, sb.String(), args...)
}

// patchesDropEndpoint reports whether applying the patches would leave the
// edge without a source or target id, which the schema forbids. The last
// patch touching each endpoint wins.
func patchesDropEndpoint(patches []record.FieldPatch) bool {
	dropped := map[string]bool{}
	for _, p := range patches {
		if p.Path != record.FieldSourceID && p.Path != record.FieldTargetID {
			continue
		}
		dropped[p.Path] = p.Op == record.PatchRemove || p.Value == nil || p.Value == ""
	}
	for _, d := range dropped {
		if d {
			return true
		}
	}
	return false
}

func isPromoted(class delta.Class, path string) bool {
	if class == delta.ClassEdge {
		return path == record.FieldSourceID || path == record.FieldTargetID || path == record.FieldRelType
	}
	return path == record.FieldKind || path == record.FieldParentID
}

func relTypeOr(rec record.Record) string {
	if rt := rec.String(record.FieldRelType); rt != "" {
		return rt
	}
	return "related"
}

// placeholders returns a "?, ?, ..." list of n parameter markers.
func placeholders(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('?')
	}
	return sb.String()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
