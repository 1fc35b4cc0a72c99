package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrUploadFailed        = errors.New("receipt upload failed")
	ErrPartialMigration    = errors.New("partial migration failure")
	ErrMigrationInProgress = errors.New("migration already in progress")
	ErrForbidden           = errors.New("forbidden")

	ErrMissingReceipt = fmt.Errorf("%w: transfer payment requires a receipt", ErrValidation)
)

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type ProductNotFoundError struct {
	StoreID   string
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found in store %s", e.ProductID, e.StoreID)
}

func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
