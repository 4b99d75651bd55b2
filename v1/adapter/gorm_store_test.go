package adapter

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newGormStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewGormStore(db), db
}

func TestGormStore(t *testing.T) {
	s, _ := newGormStore(t)
	testStore(t, s, "locks")
}

func TestGormStoreCreatesTable(t *testing.T) {
	s, db := newGormStore(t)
	ctx := context.Background()
	key := Key{Table: "nightly_jobs", Field: "lock_id", Value: "v"}
	if err := s.CreateIfAbsent(ctx, key, Item{"rvn": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !db.Migrator().HasTable("nightly_jobs") {
		t.Fatal("expected table to be created")
	}
	var count int64
	if err := db.Table("nightly_jobs").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
}
