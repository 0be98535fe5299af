package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-gormigrate/gormigrate/v2"
	json "github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/pkg/models"
)

// MemDescriptorStore keeps descriptors in process, for tests and the
// no-database development mode.
type MemDescriptorStore struct {
	mu    sync.RWMutex
	descs map[string]models.ModuleDescriptor
}

// NewMemDescriptorStore creates an empty in-process store.
func NewMemDescriptorStore() *MemDescriptorStore {
	return &MemDescriptorStore{descs: make(map[string]models.ModuleDescriptor)}
}

var _ DescriptorStore = (*MemDescriptorStore)(nil)

func (s *MemDescriptorStore) Save(_ context.Context, desc models.ModuleDescriptor) error {
	s.mu.Lock()
	s.descs[desc.ID] = desc
	s.mu.Unlock()
	return nil
}

func (s *MemDescriptorStore) List(context.Context) ([]models.ModuleDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ModuleDescriptor, 0, len(s.descs))
	for _, d := range s.descs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemDescriptorStore) Close() error { return nil }

// descriptorRecord is the GORM model for module_descriptors.
type descriptorRecord struct {
	ID          string `gorm:"column:id;primaryKey"`
	Name        string `gorm:"column:name"`
	Description string `gorm:"column:description"`
	Type        string `gorm:"column:type"`
	Config      string `gorm:"column:config;type:jsonb"`
	IsActive    bool   `gorm:"column:is_active"`
}

func (descriptorRecord) TableName() string { return "module_descriptors" }

// PGDescriptorStore persists descriptors in PostgreSQL.
type PGDescriptorStore struct {
	db *gorm.DB
}

// NewPGDescriptorStore runs the registry migration and returns the store.
func NewPGDescriptorStore(db *gorm.DB) (*PGDescriptorStore, error) {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "020_module_descriptors",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE TABLE IF NOT EXISTS module_descriptors (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					type TEXT NOT NULL DEFAULT 'standard',
					config JSONB NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE
				)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("module_descriptors")
			},
		},
	})
	if err := m.Migrate(); err != nil {
		return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("run registry migrations: %w", err))
	}
	return &PGDescriptorStore{db: db}, nil
}

var _ DescriptorStore = (*PGDescriptorStore)(nil)

func (s *PGDescriptorStore) Save(ctx context.Context, desc models.ModuleDescriptor) error {
	cfg, err := json.Marshal(desc.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	rec := descriptorRecord{
		ID:          desc.ID,
		Name:        desc.Name,
		Description: desc.Description,
		Type:        string(desc.Type),
		Config:      string(cfg),
		IsActive:    desc.IsActive,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "type", "config", "is_active"}),
		}).
		Create(&rec).Error
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("save descriptor: %w", err))
	}
	return nil
}

func (s *PGDescriptorStore) List(ctx context.Context) ([]models.ModuleDescriptor, error) {
	var recs []descriptorRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("list descriptors: %w", err))
	}
	out := make([]models.ModuleDescriptor, 0, len(recs))
	for _, rec := range recs {
		desc := models.ModuleDescriptor{
			ID:          rec.ID,
			Name:        rec.Name,
			Description: rec.Description,
			Type:        models.ModuleType(rec.Type),
			IsActive:    rec.IsActive,
		}
		if rec.Config != "" {
			if err := json.Unmarshal([]byte(rec.Config), &desc.Config); err != nil {
				return nil, fmt.Errorf("unmarshal config for %s: %w", rec.ID, err)
			}
		}
		out = append(out, desc)
	}
	return out, nil
}

func (s *PGDescriptorStore) Close() error { return nil }
