//go:build integration

package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/lending-engine/internal/config"
	"github.com/segyhp/lending-engine/internal/domain"
	"github.com/segyhp/lending-engine/internal/repository"
	customError "github.com/segyhp/lending-engine/pkg/errors"
)

var testDB *sqlx.DB

func TestMain(m *testing.M) {
	setup()
	code := m.Run()
	teardown()
	os.Exit(code)
}

func setup() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	testDB, err = sqlx.Connect(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		panic(fmt.Sprintf("Failed to connect to test database: %v", err))
	}

	if err := executeInitSQL(testDB); err != nil {
		panic(fmt.Sprintf("Failed to initialize database schema: %v", err))
	}
}

func teardown() {
	if testDB != nil {
		cleanupTestData(testDB)
		testDB.Close()
	}
}

func executeInitSQL(db *sqlx.DB) error {
	sqlBytes, err := os.ReadFile("../../scripts/init.sql")
	if err != nil {
		return fmt.Errorf("failed to read init.sql: %w", err)
	}

	if _, err := db.Exec(string(sqlBytes)); err != nil {
		return fmt.Errorf("failed to execute init.sql: %w", err)
	}

	return nil
}

func cleanupTestData(db *sqlx.DB) {
	db.MustExec("DELETE FROM lending_records")
	db.MustExec("DELETE FROM books")
	db.MustExec("DELETE FROM users")
}

func setupStore(t *testing.T) *repository.PostgresStore {
	t.Helper()
	cleanupTestData(testDB)
	return repository.NewPostgresStore(testDB, repository.WithLogger(logrus.New()))
}

func insertUser(t *testing.T, username, role string) int64 {
	t.Helper()
	var id int64
	err := testDB.Get(&id,
		`INSERT INTO users (username, email, password_hash, role) VALUES ($1, $2, 'x', $3) RETURNING id`,
		username, username+"@library.test", role)
	require.NoError(t, err)
	return id
}

func insertBook(t *testing.T, isbn string, copies int) int64 {
	t.Helper()
	var id int64
	err := testDB.Get(&id,
		`INSERT INTO books (title, author, isbn, total_copies, available_copies) VALUES ('Dune', 'Frank Herbert', $1, $2, $2) RETURNING id`,
		isbn, copies)
	require.NoError(t, err)
	return id
}

func borrow(ctx context.Context, store *repository.PostgresStore, userID, bookID int64, at time.Time) (int64, error) {
	var recordID int64
	err := store.WithinTx(ctx, repository.ScopeBook(bookID), func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Books().Reserve(ctx, bookID); err != nil {
			return err
		}
		record := domain.NewLoanRecord(userID, bookID, at)
		if err := tx.Loans().Create(ctx, record); err != nil {
			return err
		}
		recordID = record.ID
		return nil
	})
	return recordID, err
}

func assertInvariant(t *testing.T, store *repository.PostgresStore, bookID int64) {
	t.Helper()
	ctx := context.Background()

	book, err := store.Books().GetByID(ctx, bookID)
	require.NoError(t, err)
	open, err := store.Loans().CountOpenForBook(ctx, bookID)
	require.NoError(t, err)

	assert.True(t, book.InBounds())
	assert.Equal(t, book.LentCopies(), open)
}

func TestPostgresStore_BorrowAndReturn(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userID := insertUser(t, "reader7", domain.RoleLender)
	bookID := insertBook(t, "978-0441013593", 1)
	borrowedAt := time.Now().UTC().Truncate(time.Second)

	recordID, err := borrow(ctx, store, userID, bookID, borrowedAt)
	require.NoError(t, err)
	assertInvariant(t, store, bookID)

	record, err := store.Loans().GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusBorrowed, record.Status)
	assert.True(t, record.DueDate.Equal(borrowedAt.Add(domain.LoanPeriod)))

	_, err = borrow(ctx, store, userID, bookID, borrowedAt)
	assert.ErrorIs(t, err, customError.ErrNoCopiesAvailable)

	closed, err := store.Loans().Close(ctx, recordID, borrowedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusReturned, closed.Status)
	require.NoError(t, store.Books().Release(ctx, bookID))
	assertInvariant(t, store, bookID)

	_, err = store.Loans().Close(ctx, recordID, borrowedAt.Add(2*time.Hour))
	assert.ErrorIs(t, err, customError.ErrAlreadyReturned)
	assert.ErrorIs(t, store.Books().Release(ctx, bookID), customError.ErrInvariantViolation)
}

func TestPostgresStore_UnknownRows(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.Books().Reserve(ctx, 999999), customError.ErrBookNotFound)
	assert.ErrorIs(t, store.Books().Release(ctx, 999999), customError.ErrBookNotFound)

	_, err := store.Loans().Close(ctx, 999999, time.Now())
	assert.ErrorIs(t, err, customError.ErrLoanNotFound)

	open, err := store.Loans().FindOpen(ctx, 999999)
	assert.NoError(t, err)
	assert.Nil(t, open)
}

func TestPostgresStore_ConcurrentBorrowLastCopy(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := insertUser(t, "reader7", domain.RoleLender)
	second := insertUser(t, "reader9", domain.RoleLender)
	bookID := insertBook(t, "978-0441172719", 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, userID := range []int64{first, second} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, errs[i] = borrow(ctx, store, userID, bookID, time.Now().UTC())
		}(i, userID)
	}
	wg.Wait()

	// The loser either sees the decremented row or is aborted by serializable
	// isolation; both leave the ledger untouched.
	succeeded, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, customError.ErrNoCopiesAvailable), errors.Is(err, customError.ErrTransactionAborted):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, lost)
	assertInvariant(t, store, bookID)
}

func TestPostgresStore_OverdueListing(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userID := insertUser(t, "reader7", domain.RoleLender)
	bookID := insertBook(t, "978-0441013594", 2)
	now := time.Now().UTC().Truncate(time.Second)

	late, err := borrow(ctx, store, userID, bookID, now.AddDate(0, 0, -20))
	require.NoError(t, err)
	_, err = borrow(ctx, store, userID, bookID, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	overdue, err := store.Loans().ListOverdue(ctx, now)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late, overdue[0].ID)
	assert.Equal(t, "reader7", overdue[0].Username)
	assert.Equal(t, "Dune", overdue[0].Title)
	assert.Equal(t, "Frank Herbert", overdue[0].Author)

	marked, err := store.Loans().MarkOverdue(ctx, []int64{late})
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	record, err := store.Loans().GetByID(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusOverdue, record.Status)

	mine, err := store.Loans().ListOpenForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "reader7", mine[0].Username)

	active, err := store.Loans().ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestPostgresStore_BorrowByUnknownUser(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	bookID := insertBook(t, "978-0441172719", 1)

	_, err := borrow(ctx, store, 987654, bookID, time.Now().UTC())

	assert.ErrorIs(t, err, customError.ErrUserNotFound)
	assertInvariant(t, store, bookID)

	book, err := store.Books().GetByID(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, 1, book.AvailableCopies)
}
