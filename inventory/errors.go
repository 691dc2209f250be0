/*
errors.go - Centralized error types for the inventory ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  The pricing and deals packages reuse the NotFound and Validation
  classes defined here so the HTTP layer maps every package the same way.

ERROR CATEGORIES:
  1. Not found - warehouse or entry missing (or soft-deleted)
  2. Validation - malformed movement, rejected before any write
  3. Balance - outflow exceeds stock (error under reject, warning under clamp)
  4. Concurrency - compare-and-swap lost, safe to retry

USAGE:
  if errors.Is(err, inventory.ErrNotFound) { ... }

  var ibe *inventory.InsufficientBalanceError
  if errors.As(err, &ibe) { log(ibe.Shortfall) }

SEE ALSO:
  - engine.go: Raises these errors
  - api/errors.go: Maps them to HTTP status codes
*/
package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the class of every "referenced record does not exist" error.
	ErrNotFound = errors.New("not found")

	// ErrValidation is the class of every malformed-input error.
	ErrValidation = errors.New("validation failed")

	// ErrWarehouseNotFound is returned for missing or soft-deleted warehouses.
	ErrWarehouseNotFound = fmt.Errorf("warehouse %w", ErrNotFound)

	// ErrEntryNotFound is returned when a referenced ledger entry doesn't exist.
	ErrEntryNotFound = fmt.Errorf("ledger entry %w", ErrNotFound)

	// ErrInsufficientBalance is returned (reject policy) or attached as a
	// warning (clamp policy) when an outflow exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when the position version moved
	// between read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAlreadyReversed is returned when reversing an entry twice.
	ErrAlreadyReversed = fmt.Errorf("entry already reversed: %w", ErrValidation)

	// ErrReverseReversal is returned when reversing a reversal entry.
	ErrReverseReversal = fmt.Errorf("cannot reverse a reversal entry: %w", ErrValidation)

	// ErrBackdated is returned when a movement is dated before the latest
	// entry of its pair. Replay order would differ from application order.
	ErrBackdated = fmt.Errorf("movement predates latest ledger entry: %w", ErrValidation)

	// ErrDuplicateWarehouse is returned when creating a warehouse whose id exists.
	ErrDuplicateWarehouse = errors.New("warehouse already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientBalanceError is returned under the reject policy.
type InsufficientBalanceError struct {
	WarehouseID WarehouseID
	Product     Product
	Available   decimal.Decimal
	Requested   decimal.Decimal
	Shortfall   decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: available %s, requested %s, shortfall %s",
		e.WarehouseID, e.Product, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InsufficientBalanceWarning reports a clamp. It is attached to the entry,
// never returned as the operation error.
type InsufficientBalanceWarning struct {
	WarehouseID WarehouseID
	Product     Product
	Available   decimal.Decimal
	Requested   decimal.Decimal
	Shortfall   decimal.Decimal
}

func (w *InsufficientBalanceWarning) Error() string {
	return fmt.Sprintf("balance clamped at zero for %s/%s: available %s, requested %s, would be -%s",
		w.WarehouseID, w.Product, w.Available, w.Requested, w.Shortfall)
}

func (w *InsufficientBalanceWarning) Unwrap() error {
	return ErrInsufficientBalance
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
