package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector"
)

// Store is one module's relation on the shared PostgreSQL pool.
type Store struct {
	db    *gorm.DB
	sqlDB *sql.DB
	table string
	dims  int
}

var _ vector.Adapter = (*Store)(nil)

// Insert stores a row, assigning an id when absent.
func (s *Store) Insert(ctx context.Context, row vector.Row) (string, error) {
	if len(row.Embedding) != s.dims {
		return "", errs.New(errs.KindInvalid, "embedding has %d dims, table %s expects %d", len(row.Embedding), s.table, s.dims)
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if row.LastAccessed.IsZero() {
		row.LastAccessed = row.CreatedAt
	}

	meta, err := json.Marshal(orEmpty(row.Metadata))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	err = s.db.WithContext(ctx).Exec(
		fmt.Sprintf(`INSERT INTO %s
			(memory_id, user_id, content, embedding, metadata, access_count, last_accessed, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?::jsonb, ?, ?, ?, ?)`, s.table),
		row.ID, row.UserID, row.Content, pgvec.NewVector(row.Embedding), string(meta),
		row.AccessCount, row.LastAccessed, row.CreatedAt, row.UpdatedAt,
	).Error
	if err != nil {
		return "", errs.Wrap(errs.KindTransient, fmt.Errorf("insert into %s: %w", s.table, err))
	}
	return row.ID, nil
}

// GetByID fetches one row scoped by userID.
func (s *Store) GetByID(ctx context.Context, userID, id string) (*vector.Row, error) {
	q := fmt.Sprintf(`SELECT memory_id, user_id, content, embedding, metadata,
		access_count, last_accessed, created_at, updated_at
		FROM %s WHERE user_id = $1 AND memory_id = $2`, s.table)

	rows, err := s.sqlDB.QueryContext(ctx, q, userID, id)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("get from %s: %w", s.table, err))
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errs.Wrap(errs.KindTransient, err)
		}
		return nil, errs.New(errs.KindNotFound, "memory %s not found", id)
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, err
	}
	return row, rows.Err()
}

// Update applies a partial update; returns false when no row matched.
func (s *Store) Update(ctx context.Context, userID, id string, patch vector.Patch) (bool, error) {
	if patch.Embedding != nil && len(patch.Embedding) != s.dims {
		return false, errs.New(errs.KindInvalid, "embedding has %d dims, table %s expects %d", len(patch.Embedding), s.table, s.dims)
	}

	sets := "updated_at = now()"
	args := []any{}
	if patch.Content != nil {
		sets += ", content = ?"
		args = append(args, *patch.Content)
	}
	if patch.Embedding != nil {
		sets += ", embedding = ?"
		args = append(args, pgvec.NewVector(patch.Embedding))
	}
	if patch.Metadata != nil {
		meta, err := json.Marshal(patch.Metadata)
		if err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
		sets += ", metadata = ?::jsonb"
		args = append(args, string(meta))
	}
	args = append(args, userID, id)

	res := s.db.WithContext(ctx).Exec(
		fmt.Sprintf("UPDATE %s SET %s WHERE user_id = ? AND memory_id = ?", s.table, sets), args...)
	if res.Error != nil {
		return false, errs.Wrap(errs.KindTransient, fmt.Errorf("update %s: %w", s.table, res.Error))
	}
	return res.RowsAffected > 0, nil
}

// Delete removes the row. Absent rows return false, nil.
func (s *Store) Delete(ctx context.Context, userID, id string) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		fmt.Sprintf("DELETE FROM %s WHERE user_id = ? AND memory_id = ?", s.table), userID, id)
	if res.Error != nil {
		return false, errs.Wrap(errs.KindTransient, fmt.Errorf("delete from %s: %w", s.table, res.Error))
	}
	return res.RowsAffected > 0, nil
}

// TopK performs a cosine similarity search scoped by userID.
// Metadata filters are pushed down as JSONB containment.
func (s *Store) TopK(ctx context.Context, userID string, vec []float32, k int, minScore float64, filter vector.Filter) ([]vector.ScoredRow, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vec) != s.dims {
		return nil, errs.New(errs.KindInvalid, "query vector has %d dims, table %s expects %d", len(vec), s.table, s.dims)
	}

	where := "user_id = $2"
	args := []any{pgvec.NewVector(vec), userID}
	if len(filter) > 0 {
		pred, err := json.Marshal(map[string]any(filter))
		if err != nil {
			return nil, fmt.Errorf("marshal filter: %w", err)
		}
		where += " AND metadata @> $3::jsonb"
		args = append(args, string(pred))
	}
	args = append(args, k)

	q := fmt.Sprintf(`SELECT memory_id, user_id, content, embedding, metadata,
		access_count, last_accessed, created_at, updated_at,
		embedding <=> $1 AS distance
		FROM %s WHERE %s ORDER BY distance LIMIT $%d`, s.table, where, len(args))

	rows, err := s.sqlDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("topk on %s: %w", s.table, err))
	}
	defer rows.Close()

	var results []vector.ScoredRow
	for rows.Next() {
		row, distance, err := scanScoredRow(rows)
		if err != nil {
			return nil, err
		}
		score := vector.DistanceToSimilarity(distance)
		if score < minScore {
			continue
		}
		results = append(results, vector.ScoredRow{Row: *row, Score: score})
	}
	return results, rows.Err()
}

// Touch bumps access counters for the given ids in one statement.
func (s *Store) Touch(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET access_count = access_count + 1, last_accessed = now()
			WHERE user_id = ? AND memory_id IN ?`, s.table),
		userID, ids).Error
}

// List pages through the table ordered by memory_id, across users.
func (s *Store) List(ctx context.Context, limit, offset int) ([]vector.Row, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT memory_id, user_id, content, embedding, metadata,
		access_count, last_accessed, created_at, updated_at
		FROM %s ORDER BY memory_id LIMIT $1 OFFSET $2`, s.table)

	rows, err := s.sqlDB.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("list %s: %w", s.table, err))
	}
	defer rows.Close()

	var out []vector.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// Stats aggregates the user's rows.
func (s *Store) Stats(ctx context.Context, userID string) (vector.Stats, error) {
	var st vector.Stats
	var lastWrite sql.NullTime
	row := s.sqlDB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*), COALESCE(sum(length(content)), 0), max(updated_at)
		 FROM %s WHERE ($1 = '' OR user_id = $1)`, s.table), userID)
	if err := row.Scan(&st.TotalRows, &st.TotalBytes, &lastWrite); err != nil {
		return st, errs.Wrap(errs.KindTransient, fmt.Errorf("stats on %s: %w", s.table, err))
	}
	if lastWrite.Valid {
		st.LastWrite = lastWrite.Time
	}
	return st, nil
}

// HealthCheck pings the shared pool.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (*vector.Row, error) {
	var (
		row  vector.Row
		emb  pgvec.Vector
		meta []byte
	)
	if err := sc.Scan(&row.ID, &row.UserID, &row.Content, &emb, &meta,
		&row.AccessCount, &row.LastAccessed, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	row.Embedding = emb.Slice()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &row.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &row, nil
}

func scanScoredRow(sc rowScanner) (*vector.Row, float64, error) {
	var (
		row      vector.Row
		emb      pgvec.Vector
		meta     []byte
		distance float64
	)
	if err := sc.Scan(&row.ID, &row.UserID, &row.Content, &emb, &meta,
		&row.AccessCount, &row.LastAccessed, &row.CreatedAt, &row.UpdatedAt, &distance); err != nil {
		return nil, 0, fmt.Errorf("scan scored row: %w", err)
	}
	row.Embedding = emb.Slice()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &row.Metadata); err != nil {
			return nil, 0, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &row, distance, nil
}

func orEmpty(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}
