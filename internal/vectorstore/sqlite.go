package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/stellarlinkco/mimic/internal/logger"

	_ "modernc.org/sqlite"
)

const deleteChunkSize = 200

var payloadKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// SQLite is an embedded Store that keeps points in one database file and
// answers searches with an exact cosine scan over the filtered rows.
type SQLite struct {
	db  *sql.DB
	log *logger.Logger
	mu  sync.Mutex
}

type pointRow struct {
	id      string
	vector  []float32
	payload map[string]any
}

var _ Store = (*SQLite)(nil)

func NewSQLite(log *logger.Logger, dbPath string) (*SQLite, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create vector db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, log: log.Named("vector-sqlite")}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			dim INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS points (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			vector BLOB NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init vector schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) EnsureCollection(ctx context.Context, collection string, dim int) error {
	const op = "ensure_collection"
	if dim <= 0 {
		return opErr(op, OperationErrorValidation, "vector dimension must be positive", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int
	err := s.db.QueryRowContext(ctx, `SELECT dim FROM collections WHERE name = ?`, collection).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO collections (name, dim) VALUES (?, ?)`, collection, dim); err != nil {
			return classifyCallError(op, "create collection failed", err)
		}
		s.log.Info("collection created", "collection", collection, "vector_dim", dim)
		return nil
	case err != nil:
		return classifyCallError(op, "lookup collection failed", err)
	case existing != dim:
		return opErr(op, OperationErrorValidation,
			fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d", collection, dim, existing), nil)
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, collection string, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dim, err := s.collectionDim(ctx, collection)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyCallError(op, "begin upsert failed", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO points (collection, id, vector, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload`)
	if err != nil {
		return classifyCallError(op, "prepare upsert failed", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if strings.TrimSpace(p.ID) == "" {
			return opErr(op, OperationErrorValidation, "point id is required", nil)
		}
		if len(p.Vector) != dim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("point %q vector size mismatch: expected=%d actual=%d", p.ID, dim, len(p.Vector)), nil)
		}
		blob, err := encodeVector(p.Vector)
		if err != nil {
			return opErr(op, OperationErrorEncodeFailed, err.Error(), err)
		}
		payload, err := json.Marshal(clonePayload(p.Payload))
		if err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode payload failed", err)
		}
		if _, err := stmt.ExecContext(ctx, collection, p.ID, blob, string(payload)); err != nil {
			return classifyCallError(op, "upsert point failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyCallError(op, "commit upsert failed", err)
	}
	return nil
}

func (s *SQLite) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, scoreThreshold float64) ([]ScoredPoint, error) {
	const op = "search"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.selectRows(ctx, op, collection, filter, true)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredPoint, 0, len(rows))
	for _, row := range rows {
		score, err := CosineSimilarity(vector, row.vector)
		if err != nil {
			s.log.Debug("skip point in search", "id", row.id, "error", err)
			continue
		}
		if score < scoreThreshold {
			continue
		}
		out = append(out, ScoredPoint{Point: Point{ID: row.id, Payload: row.payload}, Score: score})
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLite) Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	rows, err := s.selectRows(ctx, "scroll", collection, filter, false)
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(rows))
	for _, row := range rows {
		out = append(out, Point{ID: row.id, Payload: row.payload})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *SQLite) Delete(ctx context.Context, collection string, filter Filter) error {
	const op = "delete"
	if len(filter.Must) == 0 {
		return opErr(op, OperationErrorValidation, "refusing to delete without a filter", nil)
	}
	rows, err := s.selectRows(ctx, op, collection, filter, false)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.id)
	}
	return s.DeleteIDs(ctx, collection, ids)
}

func (s *SQLite) DeleteIDs(ctx context.Context, collection string, ids []string) error {
	const op = "delete"
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyCallError(op, "begin delete failed", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(ids))
		chunk := ids[start:end]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, collection)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := `DELETE FROM points WHERE collection = ? AND id IN (` + placeholders(len(chunk)) + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classifyCallError(op, "delete points failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyCallError(op, "commit delete failed", err)
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	rows, err := s.selectRows(ctx, "count", collection, filter, false)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) collectionDim(ctx context.Context, collection string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dim FROM collections WHERE name = ?`, collection).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, opErr("lookup_collection", OperationErrorValidation, fmt.Sprintf("collection %q does not exist", collection), nil)
	}
	if err != nil {
		return 0, classifyCallError("lookup_collection", "lookup collection failed", err)
	}
	return dim, nil
}

// selectRows loads the rows of a collection that satisfy filter. Equality on
// scalar values is pushed into SQL; everything else is checked in Go.
func (s *SQLite) selectRows(ctx context.Context, op, collection string, filter Filter, withVector bool) ([]pointRow, error) {
	for _, c := range filter.Must {
		if err := c.validate(); err != nil {
			return nil, opErr(op, OperationErrorUnsupportedFilter, err.Error(), err)
		}
	}

	columns := "id, payload"
	if withVector {
		columns = "id, payload, vector"
	}
	query := `SELECT ` + columns + ` FROM points WHERE collection = ?`
	args := []any{collection}
	for _, c := range filter.Must {
		clause, arg, ok := pushdown(c)
		if !ok {
			continue
		}
		query += ` AND ` + clause
		args = append(args, arg)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyCallError(op, "query points failed", err)
	}
	defer rows.Close()

	var out []pointRow
	for rows.Next() {
		var (
			row     pointRow
			payload string
			blob    []byte
		)
		dest := []any{&row.id, &payload}
		if withVector {
			dest = append(dest, &blob)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, opErr(op, OperationErrorDecodeFailed, "scan point failed", err)
		}
		if err := json.Unmarshal([]byte(payload), &row.payload); err != nil {
			s.log.Warn("skip point with corrupt payload", "id", row.id, "error", err)
			continue
		}
		ok, err := filter.Match(row.payload)
		if err != nil {
			return nil, opErr(op, OperationErrorUnsupportedFilter, err.Error(), err)
		}
		if !ok {
			continue
		}
		if withVector {
			row.vector, err = decodeVector(blob)
			if err != nil {
				s.log.Warn("skip point with corrupt vector", "id", row.id, "error", err)
				continue
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyCallError(op, "iterate points failed", err)
	}
	return out, nil
}

func pushdown(c Condition) (string, any, bool) {
	if c.Value == nil || !payloadKeyPattern.MatchString(c.Key) {
		return "", nil, false
	}
	switch v := c.Value.(type) {
	case string:
		return `json_extract(payload, '$.` + c.Key + `') = ?`, v, true
	case int:
		return `json_extract(payload, '$.` + c.Key + `') = ?`, int64(v), true
	case int64:
		return `json_extract(payload, '$.` + c.Key + `') = ?`, v, true
	default:
		return "", nil, false
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
