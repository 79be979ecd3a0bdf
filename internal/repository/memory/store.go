// Package memory is an in-process Store. Each book carries its own mutex;
// a transaction scoped to a book, or to a record of that book, holds it for
// its whole duration, so lending on different books never contends.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/segyhp/lending-engine/internal/domain"
	"github.com/segyhp/lending-engine/internal/repository"
	customError "github.com/segyhp/lending-engine/pkg/errors"
)

type bookSlot struct {
	lock sync.Mutex
	book domain.Book
}

type Store struct {
	mu      sync.RWMutex
	books   map[int64]*bookSlot
	users   map[int64]domain.User
	records map[int64]*domain.LoanRecord
	nextID  int64
}

func NewStore() *Store {
	return &Store{
		books:   make(map[int64]*bookSlot),
		users:   make(map[int64]domain.User),
		records: make(map[int64]*domain.LoanRecord),
	}
}

// Seed allows tests or bootstrap code to populate books directly.
func (s *Store) Seed(books ...domain.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range books {
		s.books[b.ID] = &bookSlot{book: b}
	}
}

// SeedUsers registers accounts whose names appear in loan listings. Records
// of unregistered users are still accepted and listed without a username.
func (s *Store) SeedUsers(users ...domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
}

// Snapshot returns a book together with its open record count, read under
// the book's lock.
func (s *Store) Snapshot(bookID int64) (domain.Book, int, bool) {
	slot := s.slot(bookID)
	if slot == nil {
		return domain.Book{}, 0, false
	}

	slot.lock.Lock()
	defer slot.lock.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	open := 0
	for _, r := range s.records {
		if r.BookID == bookID && r.IsOpen() {
			open++
		}
	}
	return slot.book, open, true
}

func (s *Store) Books() repository.BookRepository {
	return &bookRepo{s: s}
}

func (s *Store) Loans() repository.LoanRepository {
	return &loanRepo{s: s}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) WithinTx(ctx context.Context, scope repository.Scope, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	held := s.resolve(scope)
	if held != nil {
		held.lock.Lock()
		defer held.lock.Unlock()
	}

	tx := &memoryTx{s: s, held: held}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) resolve(scope repository.Scope) *bookSlot {
	bookID := scope.BookID
	if scope.RecordID != 0 {
		s.mu.RLock()
		r, ok := s.records[scope.RecordID]
		s.mu.RUnlock()
		if !ok {
			return nil
		}
		bookID = r.BookID
	}
	if bookID == 0 {
		return nil
	}
	return s.slot(bookID)
}

func (s *Store) slot(bookID int64) *bookSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[bookID]
}

type memoryTx struct {
	s    *Store
	held *bookSlot
	undo []func()
}

func (t *memoryTx) Books() repository.BookRepository {
	return &bookRepo{s: t.s, tx: t}
}

func (t *memoryTx) Loans() repository.LoanRepository {
	return &loanRepo{s: t.s, tx: t}
}

func (t *memoryTx) onRollback(f func()) {
	t.undo = append(t.undo, f)
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

type bookRepo struct {
	s  *Store
	tx *memoryTx
}

// withBook runs f with the book's lock held, unless the enclosing transaction
// already holds it.
func (r *bookRepo) withBook(bookID int64, f func(b *domain.Book) error) error {
	slot := r.s.slot(bookID)
	if slot == nil {
		return customError.ErrBookNotFound
	}
	if r.tx == nil || r.tx.held != slot {
		slot.lock.Lock()
		defer slot.lock.Unlock()
	}
	return f(&slot.book)
}

func (r *bookRepo) GetByID(ctx context.Context, bookID int64) (*domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out domain.Book
	err := r.withBook(bookID, func(b *domain.Book) error {
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *bookRepo) Reserve(ctx context.Context, bookID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.withBook(bookID, func(b *domain.Book) error {
		if b.AvailableCopies <= 0 {
			return customError.ErrNoCopiesAvailable
		}
		b.AvailableCopies--
		r.compensate(bookID, +1)
		return nil
	})
}

func (r *bookRepo) Release(ctx context.Context, bookID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.withBook(bookID, func(b *domain.Book) error {
		if b.AvailableCopies >= b.TotalCopies {
			return customError.ErrInvariantViolation
		}
		b.AvailableCopies++
		r.compensate(bookID, -1)
		return nil
	})
}

func (r *bookRepo) compensate(bookID int64, delta int) {
	if r.tx == nil {
		return
	}
	r.tx.onRollback(func() {
		_ = r.withBook(bookID, func(b *domain.Book) error {
			b.AvailableCopies += delta
			return nil
		})
	})
}

type loanRepo struct {
	s  *Store
	tx *memoryTx
}

func (r *loanRepo) Create(ctx context.Context, record *domain.LoanRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.s.mu.Lock()
	if _, ok := r.s.books[record.BookID]; !ok {
		r.s.mu.Unlock()
		return customError.ErrBookNotFound
	}
	r.s.nextID++
	record.ID = r.s.nextID
	stored := *record
	r.s.records[record.ID] = &stored
	r.s.mu.Unlock()

	if r.tx != nil {
		id := record.ID
		r.tx.onRollback(func() {
			r.s.mu.Lock()
			delete(r.s.records, id)
			r.s.mu.Unlock()
		})
	}
	return nil
}

func (r *loanRepo) GetByID(ctx context.Context, recordID int64) (*domain.LoanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rec, ok := r.s.records[recordID]
	if !ok {
		return nil, customError.ErrLoanNotFound
	}
	out := *rec
	return &out, nil
}

func (r *loanRepo) FindOpen(ctx context.Context, recordID int64) (*domain.LoanRecord, error) {
	rec, err := r.GetByID(ctx, recordID)
	if errors.Is(err, customError.ErrLoanNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.IsOpen() {
		return nil, nil
	}
	return rec, nil
}

func (r *loanRepo) Close(ctx context.Context, recordID int64, returnedAt time.Time) (*domain.LoanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.s.mu.Lock()
	rec, ok := r.s.records[recordID]
	if !ok {
		r.s.mu.Unlock()
		return nil, customError.ErrLoanNotFound
	}
	previous := rec.Status
	if !rec.Close(returnedAt) {
		r.s.mu.Unlock()
		return nil, customError.ErrAlreadyReturned
	}
	out := *rec
	r.s.mu.Unlock()

	if r.tx != nil {
		r.tx.onRollback(func() {
			r.s.mu.Lock()
			rec.ReturnedAt = nil
			rec.Status = previous
			r.s.mu.Unlock()
		})
	}
	return &out, nil
}

func (r *loanRepo) ListOpenForUser(ctx context.Context, userID int64) ([]*domain.LoanDetails, error) {
	return r.details(ctx, func(rec *domain.LoanRecord) bool {
		return rec.UserID == userID && rec.IsOpen()
	}, newestFirst)
}

func (r *loanRepo) ListOpen(ctx context.Context) ([]*domain.LoanDetails, error) {
	return r.details(ctx, (*domain.LoanRecord).IsOpen, newestFirst)
}

func (r *loanRepo) ListOverdue(ctx context.Context, now time.Time) ([]*domain.LoanDetails, error) {
	return r.details(ctx, func(rec *domain.LoanRecord) bool {
		return rec.IsOverdue(now)
	}, dueFirst)
}

func (r *loanRepo) MarkOverdue(ctx context.Context, recordIDs []int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var marked int64
	for _, id := range recordIDs {
		rec, ok := r.s.records[id]
		if !ok || !rec.IsOpen() || rec.Status == domain.LoanStatusOverdue {
			continue
		}
		previous := rec.Status
		rec.Status = domain.LoanStatusOverdue
		marked++

		if r.tx != nil {
			r.tx.onRollback(func() {
				r.s.mu.Lock()
				rec.Status = previous
				r.s.mu.Unlock()
			})
		}
	}
	return marked, nil
}

func (r *loanRepo) CountOpenForBook(ctx context.Context, bookID int64) (int, error) {
	open, err := r.filter(ctx, func(rec *domain.LoanRecord) bool {
		return rec.BookID == bookID && rec.IsOpen()
	}, nil)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

func (r *loanRepo) filter(ctx context.Context, keep func(*domain.LoanRecord) bool, less func(a, b *domain.LoanRecord) bool) ([]*domain.LoanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.s.mu.RLock()
	out := make([]*domain.LoanRecord, 0)
	for _, rec := range r.s.records {
		if keep(rec) {
			c := *rec
			out = append(out, &c)
		}
	}
	r.s.mu.RUnlock()

	if less != nil {
		sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out, nil
}

// details is filter joined with the borrower's name and the book's title and
// author.
func (r *loanRepo) details(ctx context.Context, keep func(*domain.LoanRecord) bool, less func(a, b *domain.LoanRecord) bool) ([]*domain.LoanDetails, error) {
	matched, err := r.filter(ctx, keep, less)
	if err != nil {
		return nil, err
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.LoanDetails, 0, len(matched))
	for _, rec := range matched {
		d := &domain.LoanDetails{LoanRecord: *rec, Username: r.s.users[rec.UserID].Username}
		if slot, ok := r.s.books[rec.BookID]; ok {
			d.Title = slot.book.Title
			d.Author = slot.book.Author
		}
		out = append(out, d)
	}
	return out, nil
}

func newestFirst(a, b *domain.LoanRecord) bool {
	if !a.BorrowedAt.Equal(b.BorrowedAt) {
		return a.BorrowedAt.After(b.BorrowedAt)
	}
	return a.ID > b.ID
}

func dueFirst(a, b *domain.LoanRecord) bool {
	if !a.DueDate.Equal(b.DueDate) {
		return a.DueDate.Before(b.DueDate)
	}
	return a.ID < b.ID
}
