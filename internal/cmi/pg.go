package cmi

import (
	"database/sql"
	"fmt"
	"time"

	"context"

	"github.com/go-gormigrate/gormigrate/v2"
	json "github.com/goccy/go-json"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector"
)

// entryRecord is the GORM model for the cmi_entries table.
type entryRecord struct {
	UserID          string       `gorm:"column:user_id;primaryKey"`
	ModuleID        string       `gorm:"column:module_id;primaryKey"`
	RemoteMemoryID  string       `gorm:"column:remote_memory_id;primaryKey"`
	CVec            pgvec.Vector `gorm:"column:cvec"`
	Title           string       `gorm:"column:title"`
	Summary         string       `gorm:"column:summary"`
	Keywords        string       `gorm:"column:keywords;type:jsonb"`
	Categories      string       `gorm:"column:categories;type:jsonb"`
	ImportanceScore float64      `gorm:"column:importance_score"`
	ContentHash     string       `gorm:"column:content_hash"`
	AccessCount     int64        `gorm:"column:access_count"`
	LastAccessed    time.Time    `gorm:"column:last_accessed"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at"`
}

func (entryRecord) TableName() string { return "cmi_entries" }

// PGStore is the PostgreSQL+pgvector CMI store.
type PGStore struct {
	db    *gorm.DB
	sqlDB *sql.DB
	dims  int
}

// NewPGStore runs the CMI migrations and returns the store. dims is the
// compressed vector dimension (C).
func NewPGStore(db *gorm.DB, dims int) (*PGStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "010_cmi_entries",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cmi_entries (
						user_id TEXT NOT NULL,
						module_id TEXT NOT NULL,
						remote_memory_id TEXT NOT NULL,
						cvec vector(%d) NOT NULL,
						title TEXT NOT NULL DEFAULT '',
						summary TEXT NOT NULL DEFAULT '',
						keywords JSONB NOT NULL DEFAULT '[]',
						categories JSONB NOT NULL DEFAULT '[]',
						importance_score REAL NOT NULL DEFAULT 0,
						content_hash TEXT NOT NULL DEFAULT '',
						access_count BIGINT NOT NULL DEFAULT 0,
						last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
						created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
						PRIMARY KEY (user_id, module_id, remote_memory_id)
					)`, dims),
					`CREATE INDEX IF NOT EXISTS cmi_entries_user_idx ON cmi_entries USING hash (user_id)`,
					`CREATE INDEX IF NOT EXISTS cmi_entries_cvec_idx ON cmi_entries USING hnsw (cvec vector_cosine_ops)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("cmi_entries")
			},
		},
	})
	if err := m.Migrate(); err != nil {
		return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("run cmi migrations: %w", err))
	}

	return &PGStore{db: db, sqlDB: sqlDB, dims: dims}, nil
}

var _ Store = (*PGStore)(nil)

// Upsert inserts or updates on the composite key.
func (s *PGStore) Upsert(ctx context.Context, entry Entry) error {
	if len(entry.CVec) != s.dims {
		return errs.New(errs.KindInvalid, "cvec has %d dims, cmi expects %d", len(entry.CVec), s.dims)
	}
	rec, err := toRecord(entry)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "module_id"}, {Name: "remote_memory_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cvec", "title", "summary", "keywords", "categories",
				"importance_score", "content_hash", "updated_at",
			}),
		}).
		Create(rec).Error
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("upsert cmi entry: %w", err))
	}
	return nil
}

// Get fetches one entry by composite key.
func (s *PGStore) Get(ctx context.Context, userID, moduleID, remoteID string) (*Entry, error) {
	var rec entryRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND module_id = ? AND remote_memory_id = ?", userID, moduleID, remoteID).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.New(errs.KindNotFound, "cmi entry %s/%s not found", moduleID, remoteID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("get cmi entry: %w", err))
	}
	return fromRecord(&rec)
}

// Delete removes the entry for every user; only one row matches.
func (s *PGStore) Delete(ctx context.Context, moduleID, remoteID string) error {
	err := s.db.WithContext(ctx).
		Where("module_id = ? AND remote_memory_id = ?", moduleID, remoteID).
		Delete(&entryRecord{}).Error
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("delete cmi entry: %w", err))
	}
	return nil
}

// TopK runs a cosine similarity search scoped by user.
func (s *PGStore) TopK(ctx context.Context, userID string, cvec []float32, k int) ([]ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(cvec) != s.dims {
		return nil, errs.New(errs.KindInvalid, "query cvec has %d dims, cmi expects %d", len(cvec), s.dims)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT user_id, module_id, remote_memory_id, cvec, title, summary,
		       keywords, categories, importance_score, content_hash,
		       access_count, last_accessed, created_at, updated_at,
		       cvec <=> $1 AS distance
		FROM cmi_entries
		WHERE user_id = $2
		ORDER BY distance
		LIMIT $3`,
		pgvec.NewVector(cvec), userID, k)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("cmi topk: %w", err))
	}
	defer rows.Close()

	var out []ScoredEntry
	for rows.Next() {
		var (
			rec      entryRecord
			distance float64
		)
		if err := rows.Scan(&rec.UserID, &rec.ModuleID, &rec.RemoteMemoryID, &rec.CVec,
			&rec.Title, &rec.Summary, &rec.Keywords, &rec.Categories,
			&rec.ImportanceScore, &rec.ContentHash, &rec.AccessCount,
			&rec.LastAccessed, &rec.CreatedAt, &rec.UpdatedAt, &distance); err != nil {
			return nil, fmt.Errorf("scan cmi row: %w", err)
		}
		entry, err := fromRecord(&rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredEntry{Entry: *entry, Score: vector.DistanceToSimilarity(distance)})
	}
	return out, rows.Err()
}

// ListByModule pages through one module's entries across users.
func (s *PGStore) ListByModule(ctx context.Context, moduleID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []entryRecord
	err := s.db.WithContext(ctx).
		Where("module_id = ?", moduleID).
		Order("user_id, remote_memory_id").
		Limit(limit).Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("list cmi entries: %w", err))
	}
	out := make([]Entry, 0, len(recs))
	for i := range recs {
		entry, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

// Close is a no-op; the provider owns the pool.
func (s *PGStore) Close() error { return nil }

func toRecord(entry Entry) (*entryRecord, error) {
	keywords, err := json.Marshal(orEmptySlice(entry.Keywords))
	if err != nil {
		return nil, fmt.Errorf("marshal keywords: %w", err)
	}
	categories, err := json.Marshal(orEmptySlice(entry.Categories))
	if err != nil {
		return nil, fmt.Errorf("marshal categories: %w", err)
	}
	return &entryRecord{
		UserID:          entry.UserID,
		ModuleID:        entry.ModuleID,
		RemoteMemoryID:  entry.RemoteID,
		CVec:            pgvec.NewVector(entry.CVec),
		Title:           entry.Title,
		Summary:         entry.Summary,
		Keywords:        string(keywords),
		Categories:      string(categories),
		ImportanceScore: entry.Importance,
		ContentHash:     entry.ContentHash,
		AccessCount:     entry.AccessCount,
		LastAccessed:    entry.LastAccessed,
		CreatedAt:       entry.CreatedAt,
		UpdatedAt:       entry.UpdatedAt,
	}, nil
}

func fromRecord(rec *entryRecord) (*Entry, error) {
	entry := &Entry{
		UserID:       rec.UserID,
		ModuleID:     rec.ModuleID,
		RemoteID:     rec.RemoteMemoryID,
		CVec:         rec.CVec.Slice(),
		Title:        rec.Title,
		Summary:      rec.Summary,
		Importance:   rec.ImportanceScore,
		ContentHash:  rec.ContentHash,
		AccessCount:  rec.AccessCount,
		LastAccessed: rec.LastAccessed,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Keywords != "" {
		if err := json.Unmarshal([]byte(rec.Keywords), &entry.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords: %w", err)
		}
	}
	if rec.Categories != "" {
		if err := json.Unmarshal([]byte(rec.Categories), &entry.Categories); err != nil {
			return nil, fmt.Errorf("unmarshal categories: %w", err)
		}
	}
	return entry, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
