package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/segyhp/lending-engine/internal/cache"
	"github.com/segyhp/lending-engine/internal/domain"
	"github.com/segyhp/lending-engine/internal/repository"
	customError "github.com/segyhp/lending-engine/pkg/errors"
	"github.com/segyhp/lending-engine/pkg/utils"
)

const tracerName = "github.com/segyhp/lending-engine/internal/service"

// LendingService is the lending engine. It owns every write to the ledger and
// the loan record store; callers hand it an already verified identity.
type LendingService struct {
	store         repository.Store
	cache         cache.LoanCache
	pending       *pendingInvalidations
	logger        logrus.FieldLogger
	tracer        trace.Tracer
	now           func() time.Time
	lateFeePerDay decimal.Decimal
}

// pendingInvalidations remembers users whose cache invalidation failed. Their
// cached lists are bypassed until a retry succeeds.
type pendingInvalidations struct {
	mu    sync.Mutex
	users map[int64]struct{}
}

func (p *pendingInvalidations) add(userIDs ...int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range userIDs {
		p.users[id] = struct{}{}
	}
}

func (p *pendingInvalidations) has(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.users[userID]
	return ok
}

func (p *pendingInvalidations) remove(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, userID)
}

// Option configures a LendingService.
type Option func(*LendingService)

// WithCache enables the read cache for ListMyLoans.
func WithCache(c cache.LoanCache) Option {
	return func(s *LendingService) {
		s.cache = c
	}
}

// WithLogger sets the logger for lending events and the override audit trail.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *LendingService) {
		s.logger = logger
	}
}

// WithTracer replaces the tracer taken from the global otel provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *LendingService) {
		s.tracer = tracer
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *LendingService) {
		s.now = now
	}
}

// WithLateFeePerDay sets the fee charged per started day past due in loan
// views. Zero by default.
func WithLateFeePerDay(fee decimal.Decimal) Option {
	return func(s *LendingService) {
		s.lateFeePerDay = fee
	}
}

// NewLendingService builds the engine on store. Without WithCache every read
// goes to the store.
func NewLendingService(store repository.Store, opts ...Option) *LendingService {
	s := &LendingService{
		store:         store,
		pending:       &pendingInvalidations{users: make(map[int64]struct{})},
		logger:        logrus.StandardLogger(),
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
		lateFeePerDay: decimal.Zero,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LendingService) clock() time.Time {
	return utils.TruncateToSecond(s.now())
}

// Borrow reserves one copy of bookID and opens a lending record for userID in
// the same transaction.
func (s *LendingService) Borrow(ctx context.Context, userID, bookID int64) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "LendingService.Borrow", trace.WithAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("book_id", bookID),
	))
	defer span.End()

	borrowedAt := s.clock()
	var record *domain.LoanRecord

	err := s.store.WithinTx(ctx, repository.ScopeBook(bookID), func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Books().Reserve(ctx, bookID); err != nil {
			return err
		}

		record = domain.NewLoanRecord(userID, bookID, borrowedAt)
		return tx.Loans().Create(ctx, record)
	})
	if errors.Is(err, customError.ErrUserNotFound) {
		return 0, s.fail(span, customError.WrapUserNotFound(userID))
	}
	if err != nil {
		return 0, s.fail(span, customError.Classify(err, bookID))
	}

	s.invalidate(ctx, userID)

	span.SetAttributes(attribute.Int64("record_id", record.ID))
	s.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"book_id":   bookID,
		"record_id": record.ID,
		"due_date":  record.DueDate,
	}).Info("book borrowed")

	return record.ID, nil
}

// Return closes recordID and puts its copy back. A caller that does not own
// the record needs isOverride.
func (s *LendingService) Return(ctx context.Context, userID, recordID int64, isOverride bool) error {
	ctx, span := s.tracer.Start(ctx, "LendingService.Return", trace.WithAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("record_id", recordID),
		attribute.Bool("override", isOverride),
	))
	defer span.End()

	returnedAt := s.clock()
	var closed *domain.LoanRecord

	err := s.store.WithinTx(ctx, repository.ScopeRecord(recordID), func(ctx context.Context, tx repository.Tx) error {
		record, err := tx.Loans().FindOpen(ctx, recordID)
		if err != nil {
			return err
		}
		if record == nil {
			// Missing and closed records are told apart by a plain lookup
			if _, err := tx.Loans().GetByID(ctx, recordID); err != nil {
				return err
			}
			return customError.ErrAlreadyReturned
		}

		if record.UserID != userID && !isOverride {
			return customError.ErrForbidden
		}

		closed, err = tx.Loans().Close(ctx, recordID, returnedAt)
		if err != nil {
			return err
		}

		return s.release(ctx, tx, closed)
	})
	if err != nil {
		return s.fail(span, customError.Classify(err, recordID))
	}

	if closed.UserID != userID {
		s.logger.WithFields(logrus.Fields{
			"actor_id":  userID,
			"owner_id":  closed.UserID,
			"record_id": recordID,
			"book_id":   closed.BookID,
		}).Warn("lending record returned on behalf of its owner")
	}

	s.invalidate(ctx, closed.UserID)

	s.logger.WithFields(logrus.Fields{
		"user_id":   closed.UserID,
		"book_id":   closed.BookID,
		"record_id": recordID,
	}).Info("book returned")

	return nil
}

func (s *LendingService) release(ctx context.Context, tx repository.Tx, record *domain.LoanRecord) error {
	err := tx.Books().Release(ctx, record.BookID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, customError.ErrInvariantViolation):
		s.logger.WithFields(logrus.Fields{
			"book_id":   record.BookID,
			"record_id": record.ID,
		}).Error("release would exceed total copies, aborting return")
		return customError.WrapInvariantViolation(record.BookID)
	case errors.Is(err, customError.ErrBookNotFound):
		return customError.WrapBookNotFound(record.BookID)
	default:
		return err
	}
}

// ListMyLoans returns the open records of userID, newest first.
func (s *LendingService) ListMyLoans(ctx context.Context, userID int64) ([]domain.LoanView, error) {
	now := s.now()

	var generation int64
	fill := false
	if s.cache != nil && s.cacheUsable(ctx, userID) {
		loans, found, err := s.cache.GetOpenLoans(ctx, userID)
		if err != nil {
			s.logger.WithError(customError.WrapCacheError(err)).WithField("user_id", userID).Warn("open loans cache read failed")
		}
		if found {
			return s.views(loans, now), nil
		}

		// The generation is read before the store so a return committing in
		// between makes the fill below fail
		generation, err = s.cache.Generation(ctx, userID)
		if err != nil {
			s.logger.WithError(customError.WrapCacheError(err)).WithField("user_id", userID).Warn("open loans generation read failed")
		}
		fill = err == nil
	}

	loans, err := s.store.Loans().ListOpenForUser(ctx, userID)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	if fill {
		err := s.cache.SetOpenLoans(ctx, userID, generation, loans)
		switch {
		case errors.Is(err, cache.ErrGenerationChanged):
			s.logger.WithField("user_id", userID).Debug("open loans changed during read, cache not filled")
		case err != nil:
			s.logger.WithError(customError.WrapCacheError(err)).WithField("user_id", userID).Warn("open loans cache write failed")
		}
	}

	return s.views(loans, now), nil
}

// cacheUsable retries a failed invalidation of userID before its cached list
// may be read or written again.
func (s *LendingService) cacheUsable(ctx context.Context, userID int64) bool {
	if !s.pending.has(userID) {
		return true
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WithError(customError.WrapCacheError(err)).WithField("user_id", userID).Warn("open loans cache still not invalidated")
		return false
	}
	s.pending.remove(userID)
	return true
}

// ListActive returns every open record, newest first.
func (s *LendingService) ListActive(ctx context.Context) ([]domain.LoanView, error) {
	loans, err := s.store.Loans().ListOpen(ctx)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return s.views(loans, s.now()), nil
}

// ListOverdue returns the open records past due at now, oldest due first,
// and persists the overdue status of those still cached as borrowed.
func (s *LendingService) ListOverdue(ctx context.Context, now time.Time) ([]domain.LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "LendingService.ListOverdue")
	defer span.End()

	records, err := s.store.Loans().ListOverdue(ctx, now)
	if err != nil {
		return nil, s.fail(span, customError.WrapDatabaseError(err))
	}

	stale := make([]int64, 0)
	owners := make([]int64, 0)
	for _, record := range records {
		if record.Refresh(now) {
			stale = append(stale, record.ID)
			owners = append(owners, record.UserID)
		}
	}

	if len(stale) > 0 {
		marked, err := s.store.Loans().MarkOverdue(ctx, stale)
		if err != nil {
			return nil, s.fail(span, customError.Classify(err, 0))
		}
		s.invalidate(ctx, owners...)

		s.logger.WithFields(logrus.Fields{
			"overdue": len(records),
			"marked":  marked,
		}).Info("overdue status persisted")
	}

	span.SetAttributes(
		attribute.Int("overdue", len(records)),
		attribute.Int("marked", len(stale)),
	)

	return s.views(records, now), nil
}

// GetAvailability reads the ledger columns of bookID. The open record count
// is read in the same transaction and a mismatch with the lent copies is
// logged as an invariant violation.
func (s *LendingService) GetAvailability(ctx context.Context, bookID int64) (*domain.AvailabilityResponse, error) {
	var book *domain.Book
	var open int
	err := s.store.WithinTx(ctx, repository.ScopeBook(bookID), func(ctx context.Context, tx repository.Tx) error {
		var err error
		if book, err = tx.Books().GetByID(ctx, bookID); err != nil {
			return err
		}
		open, err = tx.Loans().CountOpenForBook(ctx, bookID)
		return err
	})
	if err != nil {
		return nil, customError.Classify(err, bookID)
	}

	if !book.InBounds() || book.LentCopies() != open {
		s.logger.WithFields(logrus.Fields{
			"book_id":          bookID,
			"total_copies":     book.TotalCopies,
			"available_copies": book.AvailableCopies,
			"open_records":     open,
		}).Error("ledger disagrees with open lending records")
	}

	return &domain.AvailabilityResponse{
		BookID:          book.ID,
		TotalCopies:     book.TotalCopies,
		AvailableCopies: book.AvailableCopies,
	}, nil
}

func (s *LendingService) views(loans []*domain.LoanDetails, now time.Time) []domain.LoanView {
	views := make([]domain.LoanView, 0, len(loans))
	for _, loan := range loans {
		views = append(views, domain.NewLoanView(*loan, now, s.lateFeePerDay))
	}
	return views
}

// invalidate runs after commit. Users it fails for bypass the cache until a
// later retry succeeds.
func (s *LendingService) invalidate(ctx context.Context, userIDs ...int64) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, userIDs...); err != nil {
		s.pending.add(userIDs...)
		s.logger.WithError(customError.WrapCacheError(err)).WithField("user_ids", userIDs).Warn("open loans cache invalidation failed")
	}
}

func (s *LendingService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, customError.CodeOf(err))
	return err
}
