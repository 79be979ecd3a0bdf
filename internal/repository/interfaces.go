package repository

import (
	"context"
	"time"

	"github.com/segyhp/lending-engine/internal/domain"
)

// BookRepository is the inventory ledger: the only writer of available_copies.
type BookRepository interface {
	// GetByID retrieves the lending columns of a book
	GetByID(ctx context.Context, bookID int64) (*domain.Book, error)

	// Reserve takes one copy out of circulation in a single conditional step.
	// Returns ErrNoCopiesAvailable or ErrBookNotFound.
	Reserve(ctx context.Context, bookID int64) error

	// Release puts one copy back. Returns ErrBookNotFound, or
	// ErrInvariantViolation when available_copies is already at total_copies.
	Release(ctx context.Context, bookID int64) error
}

// LoanRepository is the loan record store
type LoanRepository interface {
	// Create inserts a new record and sets its ID
	Create(ctx context.Context, record *domain.LoanRecord) error

	// GetByID retrieves a record regardless of state. Returns ErrLoanNotFound.
	GetByID(ctx context.Context, recordID int64) (*domain.LoanRecord, error)

	// FindOpen returns the record only while it is unreturned, nil otherwise
	FindOpen(ctx context.Context, recordID int64) (*domain.LoanRecord, error)

	// Close sets returned_at once. Returns ErrAlreadyReturned or ErrLoanNotFound.
	Close(ctx context.Context, recordID int64, returnedAt time.Time) (*domain.LoanRecord, error)

	// ListOpenForUser lists unreturned records of a user with book and
	// borrower details, newest first
	ListOpenForUser(ctx context.Context, userID int64) ([]*domain.LoanDetails, error)

	// ListOpen lists all unreturned records with details, newest first
	ListOpen(ctx context.Context) ([]*domain.LoanDetails, error)

	// ListOverdue lists unreturned records with due_date before now, oldest due first
	ListOverdue(ctx context.Context, now time.Time) ([]*domain.LoanDetails, error)

	// MarkOverdue persists the overdue status for the given open records
	MarkOverdue(ctx context.Context, recordIDs []int64) (int64, error)

	// CountOpenForBook counts unreturned records of a book. Within one
	// transaction it must equal total_copies - available_copies.
	CountOpenForBook(ctx context.Context, bookID int64) (int, error)
}

// Tx groups the repositories bound to one transaction.
type Tx interface {
	Books() BookRepository
	Loans() LoanRepository
}

// Scope names the rows a transaction is about to touch. Stores that lock
// explicitly use it to serialize only the affected book.
type Scope struct {
	BookID   int64
	RecordID int64
}

// ScopeBook scopes a transaction to a book.
func ScopeBook(bookID int64) Scope {
	return Scope{BookID: bookID}
}

// ScopeRecord scopes a transaction to a lending record and its book.
func ScopeRecord(recordID int64) Scope {
	return Scope{RecordID: recordID}
}

// Store is the persistence layer used by the lending engine. The embedded Tx
// runs every call on its own outside of any transaction.
type Store interface {
	Tx

	// WithinTx runs fn in one transaction. fn's error rolls everything back.
	WithinTx(ctx context.Context, scope Scope, fn func(ctx context.Context, tx Tx) error) error

	// Ping checks connectivity
	Ping(ctx context.Context) error
}
