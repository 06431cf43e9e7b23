// Package gormrepo implements storage.CoreRepo on GORM over the embedded
// SQLite store.
package gormrepo

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kassenwerk/periphd/internal/storage"
	"github.com/kassenwerk/periphd/internal/storage/models"
)

// Repository implements storage.CoreRepo. isTx marks a transaction-scoped
// child so nested WithTx calls reuse the running transaction instead of
// opening a second one.
type Repository struct {
	db   *gorm.DB
	isTx bool
}

// New wraps an existing *gorm.DB.
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Open opens (or creates) the SQLite store at path and migrates the
// schema when automigrate is set. path ":memory:" yields a private
// in-memory store.
func Open(path string, automigrate bool) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if automigrate {
		if err := db.AutoMigrate(
			&models.Device{},
			&models.Transaction{},
			&models.Printer{},
			&models.PrintJob{},
		); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return New(db), nil
}

// WithTx reuses the current transaction or begins a new one for fn.
func (r *Repository) WithTx(ctx context.Context, fn func(repo storage.CoreRepo) error) error {
	if r.isTx {
		return fn(r)
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	child := &Repository{db: tx, isTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}
