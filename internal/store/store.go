// Package store persists local services and their implementations in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/nodepassproject/npctl/internal/appconfig"
	"github.com/nodepassproject/npctl/internal/model"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when no service has the requested id.
var ErrNotFound = errors.New("service not found")

type serviceRow struct {
	ID              string `gorm:"primaryKey"`
	PeerID          string `gorm:"index"`
	Name            string
	Type            string
	CreatedAt       time.Time
	Implementations []implementationRow `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE"`
}

func (serviceRow) TableName() string { return "services" }

type implementationRow struct {
	ID          string `gorm:"primaryKey"`
	ServiceID   string `gorm:"index"`
	Name        string
	Type        string
	Position    int
	ServerID    string
	InstanceID  string
	Command     string
	FullCommand string
	PeerType    string
}

func (implementationRow) TableName() string { return "implementations" }

// SQLiteStore implements the service store on a SQLite file.
type SQLiteStore struct {
	db        *gorm.DB
	sortOrder string
}

// Open opens (and migrates) the services database at path, or at services.db
// in the config directory when path is empty. Use ":memory:" in tests.
func Open(path, sortOrder string) (*SQLiteStore, error) {
	if path == "" {
		p, err := appconfig.ServicesDBPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open services database: %w", err)
	}
	if path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&serviceRow{}, &implementationRow{}); err != nil {
		return nil, fmt.Errorf("migrate services database: %w", err)
	}
	if path != ":memory:" {
		_ = os.Chmod(path, 0o600)
	}
	return &SQLiteStore{db: db, sortOrder: sortOrder}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

// KnownPeerIDs returns the service ids every stored service was grouped by.
func (s *SQLiteStore) KnownPeerIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&serviceRow{}).Pluck("peer_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// Insert stores a new service with its implementations in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, svc model.Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}
	row := toRow(svc)
	return s.db.WithContext(ctx).Create(&row).Error
}

// List returns every service ordered by name or creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]model.Service, error) {
	order := "name ASC, created_at ASC"
	if s.sortOrder == appconfig.SortByCreated {
		order = "created_at ASC, name ASC"
	}
	var rows []serviceRow
	err := s.db.WithContext(ctx).
		Preload("Implementations", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order(order).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Service, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Get loads one service by id.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (model.Service, error) {
	var row serviceRow
	err := s.db.WithContext(ctx).
		Preload("Implementations", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Service{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Service{}, err
	}
	return fromRow(row), nil
}

// UpdateImplementation replaces the stored command of one implementation.
func (s *SQLiteStore) UpdateImplementation(ctx context.Context, impl model.Implementation) error {
	res := s.db.WithContext(ctx).Model(&implementationRow{}).
		Where("id = ?", impl.ID.String()).
		Updates(map[string]any{
			"name":         impl.Name,
			"command":      impl.Command,
			"full_command": impl.FullCommand,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("implementation not found: %s", impl.ID)
	}
	return nil
}

// Rename changes a service's display name.
func (s *SQLiteStore) Rename(ctx context.Context, id uuid.UUID, name string) error {
	res := s.db.WithContext(ctx).Model(&serviceRow{}).Where("id = ?", id.String()).Update("name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a service and its implementations.
func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("service_id = ?", id.String()).Delete(&implementationRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id.String()).Delete(&serviceRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

func toRow(svc model.Service) serviceRow {
	row := serviceRow{
		ID:        svc.ID.String(),
		PeerID:    svc.PeerID,
		Name:      svc.Name,
		Type:      string(svc.Type),
		CreatedAt: svc.CreatedAt,
	}
	for _, impl := range svc.Implementations {
		id := impl.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		row.Implementations = append(row.Implementations, implementationRow{
			ID:          id.String(),
			ServiceID:   row.ID,
			Name:        impl.Name,
			Type:        string(impl.Type),
			Position:    impl.Position,
			ServerID:    impl.ServerID,
			InstanceID:  impl.InstanceID,
			Command:     impl.Command,
			FullCommand: impl.FullCommand,
			PeerType:    impl.PeerType,
		})
	}
	return row
}

func fromRow(row serviceRow) model.Service {
	svc := model.Service{
		ID:        parseID(row.ID),
		PeerID:    row.PeerID,
		Name:      row.Name,
		Type:      model.ServiceType(row.Type),
		CreatedAt: row.CreatedAt,
	}
	for _, r := range row.Implementations {
		svc.Implementations = append(svc.Implementations, model.Implementation{
			ID:          parseID(r.ID),
			Name:        r.Name,
			Type:        model.ImplementationType(r.Type),
			Position:    r.Position,
			ServerID:    r.ServerID,
			InstanceID:  r.InstanceID,
			Command:     r.Command,
			FullCommand: r.FullCommand,
			PeerType:    r.PeerType,
		})
	}
	return svc
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
