package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormLockRow is the model used to store one item per row.
type gormLockRow struct {
	PartitionKey string `gorm:"primaryKey;column:partition_key"`
	Attributes   []byte `gorm:"column:attributes"`
}

// GormStore implements Store on a SQL database through GORM. Key.Table is
// the SQL table name; tables are created on first use.
//
// Guarded writes compare the whole stored attribute blob, so a row that
// changed between the read and the write is never overwritten.
type GormStore struct {
	db       *gorm.DB
	o        options
	migrated sync.Map
}

// NewGormStore returns a new GormStore using the provided GORM connection.
func NewGormStore(db *gorm.DB, opts ...Option) *GormStore {
	return &GormStore{db: db, o: buildOptions(opts)}
}

func (s *GormStore) ensureTable(ctx context.Context, table string) error {
	if _, ok := s.migrated.Load(table); ok {
		return nil
	}
	db := s.db.WithContext(ctx)
	if !db.Migrator().HasTable(table) {
		if err := db.Table(table).AutoMigrate(&gormLockRow{}); err != nil {
			return wrap("gorm migrate "+table, err)
		}
	}
	s.migrated.Store(table, struct{}{})
	return nil
}

func (s *GormStore) load(ctx context.Context, key Key) (gormLockRow, Item, error) {
	var row gormLockRow
	err := s.db.WithContext(ctx).Table(key.Table).First(&row, "partition_key = ?", key.Value).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, nil, ErrNotFound
	}
	if err != nil {
		return row, nil, wrap("gorm read", err)
	}
	var item Item
	if err := json.Unmarshal(row.Attributes, &item); err != nil {
		return row, nil, fmt.Errorf("gorm read %s: decode attributes: %w", key, err)
	}
	return row, item, nil
}

// CreateIfAbsent implements Store.CreateIfAbsent.
func (s *GormStore) CreateIfAbsent(ctx context.Context, key Key, item Item) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	if err := s.ensureTable(cctx, key.Table); err != nil {
		return err
	}
	stored := item.Clone()
	stored[key.Field] = key.Value
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	res := s.db.WithContext(cctx).Table(key.Table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormLockRow{PartitionKey: key.Value, Attributes: data})
	if res.Error != nil {
		return wrap("gorm create", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateIfMatch implements Store.UpdateIfMatch.
func (s *GormStore) UpdateIfMatch(ctx context.Context, key Key, cond Condition, item Item) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	if err := s.ensureTable(cctx, key.Table); err != nil {
		return nil, err
	}
	row, current, err := s.load(cctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, err
	}
	if !cond.matches(current) {
		return nil, ErrConditionFailed
	}
	for k, v := range item {
		if k == key.Field {
			continue
		}
		current[k] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(cctx).Table(key.Table).
		Where("partition_key = ? AND attributes = ?", key.Value, row.Attributes).
		Update("attributes", data)
	if res.Error != nil {
		return nil, wrap("gorm update", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConditionFailed
	}
	// Round-trip through JSON so callers see what a later Read returns.
	var stored Item
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Read implements Store.Read.
func (s *GormStore) Read(ctx context.Context, key Key) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	if err := s.ensureTable(cctx, key.Table); err != nil {
		return nil, err
	}
	_, item, err := s.load(cctx, key)
	return item, err
}

// DeleteIfMatch implements Store.DeleteIfMatch.
func (s *GormStore) DeleteIfMatch(ctx context.Context, key Key, cond Condition) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	if err := s.ensureTable(cctx, key.Table); err != nil {
		return err
	}
	row, current, err := s.load(cctx, key)
	if err != nil {
		return err
	}
	if !cond.matches(current) {
		return ErrConditionFailed
	}
	res := s.db.WithContext(cctx).Table(key.Table).
		Where("partition_key = ? AND attributes = ?", key.Value, row.Attributes).
		Delete(&gormLockRow{})
	if res.Error != nil {
		return wrap("gorm delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConditionFailed
	}
	return nil
}
