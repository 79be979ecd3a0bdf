package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/lending-engine/internal/domain"
	customError "github.com/segyhp/lending-engine/pkg/errors"
)

var loanColumns = []interface{}{
	colID, colUserID, colBookID, colBorrowedAt, colDueDate, colReturnedAt, colStatus,
}

var (
	recordsTable = goqu.T(tableLendingRecords)
	usersTable   = goqu.T(tableUsers)
	booksTable   = goqu.T(tableBooks)
)

var detailColumns = []interface{}{
	recordsTable.Col(colID), recordsTable.Col(colUserID), recordsTable.Col(colBookID), recordsTable.Col(colBorrowedAt),
	recordsTable.Col(colDueDate), recordsTable.Col(colReturnedAt), recordsTable.Col(colStatus),
	usersTable.Col(colUsername), booksTable.Col(colTitle), booksTable.Col(colAuthor),
}

// detailsQuery joins every lending record with its borrower and book.
func detailsQuery() *goqu.SelectDataset {
	return dialect.From(recordsTable).
		InnerJoin(usersTable, goqu.On(usersTable.Col(colID).Eq(recordsTable.Col(colUserID)))).
		InnerJoin(booksTable, goqu.On(booksTable.Col(colID).Eq(recordsTable.Col(colBookID)))).
		Select(detailColumns...)
}

type loanRepository struct {
	runner
}

// NewLoanRepository returns the lending_records store running on q, which
// may be the pool or an open transaction.
func NewLoanRepository(q sqlx.ExtContext, logger logrus.FieldLogger) LoanRepository {
	return &loanRepository{runner: runner{q: q, logger: logger}}
}

func (r *loanRepository) Create(ctx context.Context, record *domain.LoanRecord) error {
	ds := dialect.Insert(tableLendingRecords).
		Rows(goqu.Record{
			colUserID:     record.UserID,
			colBookID:     record.BookID,
			colBorrowedAt: record.BorrowedAt,
			colDueDate:    record.DueDate,
			colStatus:     string(record.Status),
		}).
		Returning(colID).
		Prepared(true)

	return r.get(ctx, &record.ID, ds)
}

func (r *loanRepository) GetByID(ctx context.Context, recordID int64) (*domain.LoanRecord, error) {
	ds := dialect.From(tableLendingRecords).
		Select(loanColumns...).
		Where(goqu.C(colID).Eq(recordID)).
		Prepared(true)

	var record domain.LoanRecord
	err := r.get(ctx, &record, ds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customError.ErrLoanNotFound
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// FindOpen locks the row so a concurrent return of the same record waits.
func (r *loanRepository) FindOpen(ctx context.Context, recordID int64) (*domain.LoanRecord, error) {
	ds := dialect.From(tableLendingRecords).
		Select(loanColumns...).
		Where(
			goqu.C(colID).Eq(recordID),
			goqu.C(colReturnedAt).IsNull(),
		).
		ForUpdate(exp.Wait).
		Prepared(true)

	var record domain.LoanRecord
	err := r.get(ctx, &record, ds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (r *loanRepository) Close(ctx context.Context, recordID int64, returnedAt time.Time) (*domain.LoanRecord, error) {
	ds := dialect.Update(tableLendingRecords).
		Set(goqu.Record{
			colReturnedAt: returnedAt,
			colStatus:     string(domain.LoanStatusReturned),
		}).
		Where(
			goqu.C(colID).Eq(recordID),
			goqu.C(colReturnedAt).IsNull(),
		).
		Returning(loanColumns...).
		Prepared(true)

	var record domain.LoanRecord
	err := r.get(ctx, &record, ds)
	if errors.Is(err, sql.ErrNoRows) {
		found, existsErr := r.exists(ctx, tableLendingRecords, recordID)
		if existsErr != nil {
			return nil, existsErr
		}
		if found {
			return nil, customError.ErrAlreadyReturned
		}
		return nil, customError.ErrLoanNotFound
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (r *loanRepository) ListOpenForUser(ctx context.Context, userID int64) ([]*domain.LoanDetails, error) {
	ds := detailsQuery().
		Where(
			recordsTable.Col(colUserID).Eq(userID),
			recordsTable.Col(colReturnedAt).IsNull(),
		).
		Order(recordsTable.Col(colBorrowedAt).Desc(), recordsTable.Col(colID).Desc()).
		Prepared(true)

	return r.list(ctx, ds)
}

func (r *loanRepository) ListOpen(ctx context.Context) ([]*domain.LoanDetails, error) {
	ds := detailsQuery().
		Where(recordsTable.Col(colReturnedAt).IsNull()).
		Order(recordsTable.Col(colBorrowedAt).Desc(), recordsTable.Col(colID).Desc()).
		Prepared(true)

	return r.list(ctx, ds)
}

func overdueQuery(now time.Time) *goqu.SelectDataset {
	return detailsQuery().
		Where(
			recordsTable.Col(colReturnedAt).IsNull(),
			recordsTable.Col(colDueDate).Lt(now),
		).
		Order(recordsTable.Col(colDueDate).Asc(), recordsTable.Col(colID).Asc()).
		Prepared(true)
}

func (r *loanRepository) ListOverdue(ctx context.Context, now time.Time) ([]*domain.LoanDetails, error) {
	return r.list(ctx, overdueQuery(now))
}

func (r *loanRepository) MarkOverdue(ctx context.Context, recordIDs []int64) (int64, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}

	ds := dialect.Update(tableLendingRecords).
		Set(goqu.Record{colStatus: string(domain.LoanStatusOverdue)}).
		Where(
			goqu.C(colID).In(recordIDs),
			goqu.C(colReturnedAt).IsNull(),
			goqu.C(colStatus).Neq(string(domain.LoanStatusOverdue)),
		).
		Prepared(true)

	return r.exec(ctx, ds)
}

func (r *loanRepository) CountOpenForBook(ctx context.Context, bookID int64) (int, error) {
	ds := dialect.From(tableLendingRecords).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C(colBookID).Eq(bookID),
			goqu.C(colReturnedAt).IsNull(),
		).
		Prepared(true)

	var count int
	if err := r.get(ctx, &count, ds); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *loanRepository) list(ctx context.Context, ds sqlBuilder) ([]*domain.LoanDetails, error) {
	loans := make([]*domain.LoanDetails, 0)
	if err := r.selectAll(ctx, &loans, ds); err != nil {
		return nil, err
	}
	return loans, nil
}
