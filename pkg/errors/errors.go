package errors

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrNotFound           = errors.New("not found")
	ErrBookNotFound       = fmt.Errorf("book %w", ErrNotFound)
	ErrLoanNotFound       = fmt.Errorf("lending record %w", ErrNotFound)
	ErrUserNotFound       = fmt.Errorf("user %w", ErrNotFound)
	ErrNoCopiesAvailable  = errors.New("no copies available")
	ErrAlreadyReturned    = errors.New("lending record already returned")
	ErrForbidden          = errors.New("lending record belongs to another user")
	ErrInvariantViolation = errors.New("inventory invariant violated")
	ErrTransactionAborted = errors.New("transaction aborted")
	ErrUnauthorized       = errors.New("unauthorized")
)

// BusinessError represents a business logic error
type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// NewBusinessError creates a new business error
func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Error codes
const (
	ErrCodeBookNotFound        = "BOOK_NOT_FOUND"
	ErrCodeLoanNotFound        = "LOAN_NOT_FOUND"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeNoCopiesAvailable   = "NO_COPIES_AVAILABLE"
	ErrCodeAlreadyReturned     = "ALREADY_RETURNED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInvariantViolation  = "INVARIANT_VIOLATION"
	ErrCodeTransactionAborted  = "TRANSACTION_ABORTED"
	ErrCodeDatabaseError       = "DATABASE_ERROR"
	ErrCodeCacheError          = "CACHE_ERROR"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternalServerError = "INTERNAL_SERVER_ERROR"
)

// Wrap common errors with business context
func WrapBookNotFound(bookID int64) *BusinessError {
	return NewBusinessError(
		ErrCodeBookNotFound,
		fmt.Sprintf("Book with ID %d not found", bookID),
		ErrBookNotFound,
	)
}

func WrapLoanNotFound(recordID int64) *BusinessError {
	return NewBusinessError(
		ErrCodeLoanNotFound,
		fmt.Sprintf("Lending record with ID %d not found", recordID),
		ErrLoanNotFound,
	)
}

func WrapUserNotFound(userID int64) *BusinessError {
	return NewBusinessError(
		ErrCodeUserNotFound,
		fmt.Sprintf("User with ID %d not found", userID),
		ErrUserNotFound,
	)
}

func WrapNoCopiesAvailable(bookID int64) *BusinessError {
	return NewBusinessError(
		ErrCodeNoCopiesAvailable,
		fmt.Sprintf("Book with ID %d has no copies available", bookID),
		ErrNoCopiesAvailable,
	)
}

func WrapAlreadyReturned(recordID int64) *BusinessError {
	return NewBusinessError(
		ErrCodeAlreadyReturned,
		fmt.Sprintf("Lending record with ID %d was already returned", recordID),
		ErrAlreadyReturned,
	)
}

func WrapForbidden(recordID int64) *BusinessError {
	return NewBusinessError(
		ErrCodeForbidden,
		fmt.Sprintf("Lending record with ID %d belongs to another user", recordID),
		ErrForbidden,
	)
}

func WrapInvariantViolation(bookID int64) *BusinessError {
	return NewBusinessError(
		ErrCodeInvariantViolation,
		fmt.Sprintf("Releasing a copy of book %d would exceed its total copies", bookID),
		ErrInvariantViolation,
	)
}

func WrapTransactionAborted(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeTransactionAborted,
		"transaction aborted, safe to retry",
		err,
	)
}

func WrapDatabaseError(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeDatabaseError,
		"database operation failed",
		err,
	)
}

func WrapCacheError(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeCacheError,
		"Cache operation failed",
		err,
	)
}

// Classify maps a repository error onto the business error taxonomy. The id is
// the book or lending record the failing operation was scoped to.
func Classify(err error, id int64) error {
	var be *BusinessError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &be):
		return be
	case errors.Is(err, ErrBookNotFound):
		return WrapBookNotFound(id)
	case errors.Is(err, ErrLoanNotFound):
		return WrapLoanNotFound(id)
	case errors.Is(err, ErrUserNotFound):
		return WrapUserNotFound(id)
	case errors.Is(err, ErrNoCopiesAvailable):
		return WrapNoCopiesAvailable(id)
	case errors.Is(err, ErrAlreadyReturned):
		return WrapAlreadyReturned(id)
	case errors.Is(err, ErrForbidden):
		return WrapForbidden(id)
	case errors.Is(err, ErrInvariantViolation):
		return WrapInvariantViolation(id)
	case errors.Is(err, ErrTransactionAborted):
		return WrapTransactionAborted(err)
	default:
		return WrapDatabaseError(err)
	}
}

// CodeOf returns the business code carried by err, or an empty string.
func CodeOf(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
