package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		sentinel error
	}{
		{"book not found", ErrBookNotFound, ErrCodeBookNotFound, ErrNotFound},
		{"loan not found", fmt.Errorf("find: %w", ErrLoanNotFound), ErrCodeLoanNotFound, ErrNotFound},
		{"user not found", fmt.Errorf("insert: %w", ErrUserNotFound), ErrCodeUserNotFound, ErrNotFound},
		{"no copies", ErrNoCopiesAvailable, ErrCodeNoCopiesAvailable, ErrNoCopiesAvailable},
		{"already returned", ErrAlreadyReturned, ErrCodeAlreadyReturned, ErrAlreadyReturned},
		{"forbidden", ErrForbidden, ErrCodeForbidden, ErrForbidden},
		{"invariant", ErrInvariantViolation, ErrCodeInvariantViolation, ErrInvariantViolation},
		{"aborted", fmt.Errorf("commit: %w", ErrTransactionAborted), ErrCodeTransactionAborted, ErrTransactionAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.err, 42)
			assert.Equal(t, tt.code, CodeOf(classified))
			assert.True(t, errors.Is(classified, tt.sentinel))
		})
	}
}

func TestClassify_UnknownErrorIsDatabaseError(t *testing.T) {
	err := Classify(errors.New("connection reset"), 1)

	assert.Equal(t, ErrCodeDatabaseError, CodeOf(err))
	assert.ErrorContains(t, err, "connection reset")
}

func TestClassify_KeepsExistingBusinessError(t *testing.T) {
	original := WrapForbidden(3)

	assert.Same(t, original, Classify(original, 99))
	assert.Nil(t, Classify(nil, 1))
}

func TestNotFoundKindsAreDistinct(t *testing.T) {
	assert.True(t, errors.Is(ErrBookNotFound, ErrNotFound))
	assert.True(t, errors.Is(ErrLoanNotFound, ErrNotFound))
	assert.True(t, errors.Is(ErrUserNotFound, ErrNotFound))
	assert.False(t, errors.Is(ErrBookNotFound, ErrLoanNotFound))
	assert.False(t, errors.Is(ErrUserNotFound, ErrBookNotFound))
}
