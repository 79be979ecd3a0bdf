package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/lending-engine/internal/domain"
	"github.com/segyhp/lending-engine/internal/repository"
	customError "github.com/segyhp/lending-engine/pkg/errors"
)

func TestBookRepo_ReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Seed(domain.Book{ID: 1, TotalCopies: 1, AvailableCopies: 1})
	books := store.Books()

	require.NoError(t, books.Reserve(ctx, 1))
	assert.ErrorIs(t, books.Reserve(ctx, 1), customError.ErrNoCopiesAvailable)

	require.NoError(t, books.Release(ctx, 1))
	assert.ErrorIs(t, books.Release(ctx, 1), customError.ErrInvariantViolation)

	book, err := books.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, book.AvailableCopies)
}

func TestBookRepo_UnknownBook(t *testing.T) {
	ctx := context.Background()
	books := NewStore().Books()

	assert.ErrorIs(t, books.Reserve(ctx, 404), customError.ErrBookNotFound)
	assert.ErrorIs(t, books.Release(ctx, 404), customError.ErrBookNotFound)
	_, err := books.GetByID(ctx, 404)
	assert.ErrorIs(t, err, customError.ErrBookNotFound)
}

func TestBookRepo_ConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Seed(domain.Book{ID: 1, TotalCopies: 5, AvailableCopies: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Books().Reserve(ctx, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	book, _, _ := store.Snapshot(1)
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 0, book.AvailableCopies)
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Seed(domain.Book{ID: 1, TotalCopies: 2, AvailableCopies: 2})
	boom := errors.New("boom")

	err := store.WithinTx(ctx, repository.ScopeBook(1), func(ctx context.Context, tx repository.Tx) error {
		require.NoError(t, tx.Books().Reserve(ctx, 1))
		record := domain.NewLoanRecord(7, 1, time.Now())
		require.NoError(t, tx.Loans().Create(ctx, record))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	book, open, ok := store.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, 2, book.AvailableCopies)
	assert.Equal(t, 0, open)
}

func TestWithinTx_RollsBackClose(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Seed(domain.Book{ID: 1, TotalCopies: 1, AvailableCopies: 0})
	record := domain.NewLoanRecord(7, 1, time.Now())
	require.NoError(t, store.Loans().Create(ctx, record))

	err := store.WithinTx(ctx, repository.ScopeRecord(record.ID), func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.Loans().Close(ctx, record.ID, time.Now())
		require.NoError(t, err)
		require.NoError(t, tx.Books().Release(ctx, 1))
		return customError.ErrTransactionAborted
	})

	assert.ErrorIs(t, err, customError.ErrTransactionAborted)
	open, err := store.Loans().FindOpen(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, domain.LoanStatusBorrowed, open.Status)
	book, _, _ := store.Snapshot(1)
	assert.Equal(t, 0, book.AvailableCopies)
}

func TestLoanRepo_CloseOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Seed(domain.Book{ID: 1, TotalCopies: 1, AvailableCopies: 1})
	loans := store.Loans()
	record := domain.NewLoanRecord(7, 1, time.Now())
	require.NoError(t, loans.Create(ctx, record))

	closed, err := loans.Close(ctx, record.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusReturned, closed.Status)

	_, err = loans.Close(ctx, record.ID, time.Now())
	assert.ErrorIs(t, err, customError.ErrAlreadyReturned)

	_, err = loans.Close(ctx, 999, time.Now())
	assert.ErrorIs(t, err, customError.ErrLoanNotFound)

	open, err := loans.FindOpen(ctx, record.ID)
	assert.NoError(t, err)
	assert.Nil(t, open)
}

func TestLoanRepo_Listings(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Seed(domain.Book{ID: 1, TotalCopies: 5, AvailableCopies: 5})
	loans := store.Loans()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	older := domain.NewLoanRecord(7, 1, base)
	newer := domain.NewLoanRecord(7, 1, base.AddDate(0, 0, 5))
	other := domain.NewLoanRecord(9, 1, base.AddDate(0, 0, 1))
	for _, r := range []*domain.LoanRecord{older, newer, other} {
		require.NoError(t, loans.Create(ctx, r))
	}

	mine, err := loans.ListOpenForUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, newer.ID, mine[0].ID)
	assert.Equal(t, older.ID, mine[1].ID)

	overdue, err := loans.ListOverdue(ctx, base.AddDate(0, 0, 16))
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, older.ID, overdue[0].ID)
	assert.Equal(t, other.ID, overdue[1].ID)

	marked, err := loans.MarkOverdue(ctx, []int64{older.ID, other.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)
	marked, err = loans.MarkOverdue(ctx, []int64{older.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)

	count, err := loans.CountOpenForBook(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	all, err := loans.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLoanRepo_CreateRequiresBook(t *testing.T) {
	err := NewStore().Loans().Create(context.Background(), domain.NewLoanRecord(7, 404, time.Now()))

	assert.ErrorIs(t, err, customError.ErrBookNotFound)
}

func TestLoanRepo_ListingsCarryDetails(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Seed(domain.Book{ID: 1, Title: "Dune", Author: "Frank Herbert", TotalCopies: 2, AvailableCopies: 2})
	store.SeedUsers(domain.User{ID: 7, Username: "paul", Role: domain.RoleLender})
	loans := store.Loans()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, loans.Create(ctx, domain.NewLoanRecord(7, 1, base)))
	require.NoError(t, loans.Create(ctx, domain.NewLoanRecord(9, 1, base.Add(time.Hour))))

	all, err := loans.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.Equal(t, int64(9), all[0].UserID)
	assert.Empty(t, all[0].Username)
	assert.Equal(t, "Dune", all[0].Title)

	assert.Equal(t, "paul", all[1].Username)
	assert.Equal(t, "Dune", all[1].Title)
	assert.Equal(t, "Frank Herbert", all[1].Author)

	overdue, err := loans.ListOverdue(ctx, base.AddDate(0, 0, 20))
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, "paul", overdue[0].Username)
	assert.Equal(t, "Frank Herbert", overdue[0].Author)
}
