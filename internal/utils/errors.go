package utils

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors, one per failure class of a migration run
var (
	// ErrValidation is returned when configuration or input validation fails
	ErrValidation = errors.New("validation error")

	// ErrExport is returned when a source table cannot be read completely
	ErrExport = errors.New("export error")

	// ErrBackup is returned when a backup snapshot cannot be written or read
	ErrBackup = errors.New("backup error")

	// ErrImport is returned when rows cannot be written to the destination
	ErrImport = errors.New("import error")

	// ErrIdentityFallback is returned when the identity-override path failed and
	// the fallback policy refused to reassign primary keys
	ErrIdentityFallback = errors.New("identity override unavailable")

	// ErrPlan is returned when the table order is invalid
	ErrPlan = errors.New("invalid migration plan")

	// ErrVerification is returned when row counts differ between projects
	ErrVerification = errors.New("verification mismatch")

	// ErrDatabase is returned when there's a database operation error
	ErrDatabase = errors.New("database error")
)

// Stages of a table migration, used in TableError
const (
	StageExport   = "export"
	StageBackup   = "backup"
	StageImport   = "import"
	StageIdentity = "identity"
)

// ValidationError represents an error that occurs during input validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TableError is a failure confined to one table of a run
type TableError struct {
	Table string
	Stage string
	Cause error
}

func (e *TableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s failed: %v", e.Table, e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s %s failed", e.Table, e.Stage)
}

// Unwrap exposes both the stage sentinel and the underlying cause
func (e *TableError) Unwrap() []error {
	errs := []error{stageSentinel(e.Stage)}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func stageSentinel(stage string) error {
	switch stage {
	case StageExport:
		return ErrExport
	case StageBackup:
		return ErrBackup
	case StageIdentity:
		return ErrIdentityFallback
	default:
		return ErrImport
	}
}

// DatabaseError represents an error that occurs during database operations
type DatabaseError struct {
	Operation string
	Cause     error
}

func (e *DatabaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("database error during %s: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("database error during %s", e.Operation)
}

func (e *DatabaseError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrDatabase}
	}
	return []error{ErrDatabase, e.Cause}
}

// WrapValidationError wraps an error as a validation error
func WrapValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// WrapTableError wraps a cause as a failure of the given table and stage
func WrapTableError(table, stage string, cause error) error {
	return &TableError{
		Table: table,
		Stage: stage,
		Cause: cause,
	}
}

// WrapDatabaseError wraps an error as a database error
func WrapDatabaseError(operation string, cause error) error {
	return &DatabaseError{
		Operation: operation,
		Cause:     cause,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsDatabaseError checks if an error is a database error
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

// RequiredFieldError creates a validation error for required fields
func RequiredFieldError(field string) error {
	return WrapValidationError(field, "field is required")
}

// InvalidFieldError creates a validation error for invalid field values
func InvalidFieldError(field, reason string) error {
	return WrapValidationError(field, reason)
}

// StackTrace renders err together with the stack of the caller, for reports
// that are read long after the process exited
func StackTrace(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", pkgerrors.WithStack(err))
}
