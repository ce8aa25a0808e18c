package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/licensing-go-api/internal/models"
)

// TransactionManager runs a unit of work against a repository bound to a
// single database transaction. The work commits when fn returns nil and
// rolls back otherwise.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(repo LicensingRepository) error) error
}

type gormTransactionManager struct {
	db   *gorm.DB
	opts Options
}

// NewTransactionManager builds a transaction manager on top of a gorm connection.
func NewTransactionManager(db *gorm.DB, opts Options) TransactionManager {
	return &gormTransactionManager{db: db, opts: opts}
}

func (m *gormTransactionManager) WithTransaction(ctx context.Context, fn func(repo LicensingRepository) error) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewLicensingRepository(tx, m.opts))
	})
	return translateError(err)
}

// translateError maps unique constraint violations onto models.ErrDuplicateEntry
// so callers never depend on driver specific errors.
func translateError(err error) error {
	if err == nil || errors.Is(err, models.ErrDuplicateEntry) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return errors.Join(models.ErrDuplicateEntry, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "duplicate key value") ||
		strings.Contains(message, "sqlstate 23505")
}
