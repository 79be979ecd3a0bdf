package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/lending-engine/internal/domain"
	customError "github.com/segyhp/lending-engine/pkg/errors"
)

type bookRepository struct {
	runner
}

// NewBookRepository returns the inventory ledger running on q, which may be
// the pool or an open transaction.
func NewBookRepository(q sqlx.ExtContext, logger logrus.FieldLogger) BookRepository {
	return &bookRepository{runner: runner{q: q, logger: logger}}
}

func (r *bookRepository) GetByID(ctx context.Context, bookID int64) (*domain.Book, error) {
	ds := dialect.From(tableBooks).
		Select(colID, colTitle, colAuthor, colTotalCopies, colAvailableCopies).
		Where(goqu.C(colID).Eq(bookID)).
		Prepared(true)

	var book domain.Book
	err := r.get(ctx, &book, ds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customError.ErrBookNotFound
	}
	if err != nil {
		return nil, err
	}

	return &book, nil
}

// reserveQuery decrements only while a copy is left; zero affected rows means
// the book is missing or exhausted.
func reserveQuery(bookID int64) *goqu.UpdateDataset {
	return dialect.Update(tableBooks).
		Set(goqu.Record{colAvailableCopies: goqu.L("? - 1", goqu.I(colAvailableCopies))}).
		Where(
			goqu.C(colID).Eq(bookID),
			goqu.C(colAvailableCopies).Gt(0),
		).
		Prepared(true)
}

// releaseQuery increments only below total_copies.
func releaseQuery(bookID int64) *goqu.UpdateDataset {
	return dialect.Update(tableBooks).
		Set(goqu.Record{colAvailableCopies: goqu.L("? + 1", goqu.I(colAvailableCopies))}).
		Where(
			goqu.C(colID).Eq(bookID),
			goqu.C(colAvailableCopies).Lt(goqu.I(colTotalCopies)),
		).
		Prepared(true)
}

func (r *bookRepository) Reserve(ctx context.Context, bookID int64) error {
	affected, err := r.exec(ctx, reserveQuery(bookID))
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	found, err := r.exists(ctx, tableBooks, bookID)
	if err != nil {
		return err
	}
	if !found {
		return customError.ErrBookNotFound
	}
	return customError.ErrNoCopiesAvailable
}

func (r *bookRepository) Release(ctx context.Context, bookID int64) error {
	affected, err := r.exec(ctx, releaseQuery(bookID))
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	found, err := r.exists(ctx, tableBooks, bookID)
	if err != nil {
		return err
	}
	if !found {
		return customError.ErrBookNotFound
	}
	return customError.ErrInvariantViolation
}
