package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	customError "github.com/segyhp/lending-engine/pkg/errors"
)

const (
	tableUsers          = "users"
	tableBooks          = "books"
	tableLendingRecords = "lending_records"

	colID              = "id"
	colTitle           = "title"
	colAuthor          = "author"
	colTotalCopies     = "total_copies"
	colAvailableCopies = "available_copies"
	colUserID          = "user_id"
	colBookID          = "book_id"
	colBorrowedAt      = "borrowed_at"
	colDueDate         = "due_date"
	colReturnedAt      = "returned_at"
	colStatus          = "status"
	colUsername        = "username"

	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateForeignKeyViolation  = "23503"

	constraintRecordUser = "lending_records_user_id_fkey"
	constraintRecordBook = "lending_records_book_id_fkey"
)

var dialect = goqu.Dialect("postgres")

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

// PostgresStore implements Store on top of sqlx. Transactions run with the
// configured isolation level; the ledger's conditional updates keep
// available_copies consistent under any interleaving.
type PostgresStore struct {
	db        *sqlx.DB
	isolation sql.IsolationLevel
	logger    logrus.FieldLogger
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithIsolation sets the isolation level of lending transactions.
func WithIsolation(level sql.IsolationLevel) PostgresOption {
	return func(s *PostgresStore) {
		s.isolation = level
	}
}

// WithLogger sets the logger receiving SQL at debug level.
func WithLogger(logger logrus.FieldLogger) PostgresOption {
	return func(s *PostgresStore) {
		s.logger = logger
	}
}

// NewPostgresStore wraps db. Transactions default to serializable isolation.
func NewPostgresStore(db *sqlx.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:        db,
		isolation: sql.LevelSerializable,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) Books() BookRepository {
	return NewBookRepository(s.db, s.logger)
}

func (s *PostgresStore) Loans() LoanRepository {
	return NewLoanRepository(s.db, s.logger)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx ignores the scope: row locks taken by the statements themselves
// confine contention to the touched book.
func (s *PostgresStore) WithinTx(ctx context.Context, _ Scope, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return translateError(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &postgresTx{q: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WithError(rbErr).Warn("failed to roll back lending transaction")
		}
		return translateError(err)
	}

	if err := tx.Commit(); err != nil {
		return translateError(err)
	}

	return nil
}

type postgresTx struct {
	q      sqlx.ExtContext
	logger logrus.FieldLogger
}

func (t *postgresTx) Books() BookRepository {
	return NewBookRepository(t.q, t.logger)
}

func (t *postgresTx) Loans() LoanRepository {
	return NewLoanRepository(t.q, t.logger)
}

// translateError turns serialization failures and deadlocks reported by
// either driver into ErrTransactionAborted, and lending record foreign key
// violations into the not-found error of the missing row.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var state, constraint string
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pqErr):
		state, constraint = string(pqErr.Code), pqErr.Constraint
	case errors.As(err, &pgErr):
		state, constraint = pgErr.Code, pgErr.ConstraintName
	default:
		return err
	}

	switch {
	case state == sqlStateSerializationFailure, state == sqlStateDeadlockDetected:
		return fmt.Errorf("%w: %v", customError.ErrTransactionAborted, err)
	case state == sqlStateForeignKeyViolation && constraint == constraintRecordUser:
		return fmt.Errorf("%w: %v", customError.ErrUserNotFound, err)
	case state == sqlStateForeignKeyViolation && constraint == constraintRecordBook:
		return fmt.Errorf("%w: %v", customError.ErrBookNotFound, err)
	default:
		return err
	}
}

// runner executes goqu datasets against a db or tx and logs them at debug level.
type runner struct {
	q      sqlx.ExtContext
	logger logrus.FieldLogger
}

func (r runner) build(ds sqlBuilder) (string, []interface{}, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build query: %w", err)
	}
	r.logger.WithField("query", query).Debug("executing sql")
	return query, args, nil
}

func (r runner) exec(ctx context.Context, ds sqlBuilder) (int64, error) {
	query, args, err := r.build(ds)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, translateError(err)
	}
	r.logger.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("sql executed")

	return result.RowsAffected()
}

func (r runner) get(ctx context.Context, dest interface{}, ds sqlBuilder) error {
	query, args, err := r.build(ds)
	if err != nil {
		return err
	}
	return translateError(sqlx.GetContext(ctx, r.q, dest, query, args...))
}

func (r runner) selectAll(ctx context.Context, dest interface{}, ds sqlBuilder) error {
	query, args, err := r.build(ds)
	if err != nil {
		return err
	}
	return translateError(sqlx.SelectContext(ctx, r.q, dest, query, args...))
}

func (r runner) exists(ctx context.Context, table string, id int64) (bool, error) {
	var found int
	ds := dialect.From(table).Select(goqu.L("1")).Where(goqu.C(colID).Eq(id)).Prepared(true)
	err := r.get(ctx, &found, ds)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
