package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is the cached lifecycle status stored alongside a lending record.
type LoanStatus string

const (
	LoanStatusBorrowed LoanStatus = "borrowed"
	LoanStatusReturned LoanStatus = "returned"
	LoanStatusOverdue  LoanStatus = "overdue"
)

// LoanPeriod is the fixed lending window applied to every borrow.
const LoanPeriod = 14 * 24 * time.Hour

// LoanRecord represents one borrow event of one physical copy.
type LoanRecord struct {
	ID         int64      `json:"id" db:"id"`
	UserID     int64      `json:"user_id" db:"user_id"`
	BookID     int64      `json:"book_id" db:"book_id"`
	BorrowedAt time.Time  `json:"borrowed_at" db:"borrowed_at"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnedAt *time.Time `json:"returned_at" db:"returned_at"`
	Status     LoanStatus `json:"status" db:"status"`
}

// NewLoanRecord builds an unsaved record for a borrow happening at borrowedAt.
func NewLoanRecord(userID, bookID int64, borrowedAt time.Time) *LoanRecord {
	return &LoanRecord{
		UserID:     userID,
		BookID:     bookID,
		BorrowedAt: borrowedAt,
		DueDate:    DueDateFor(borrowedAt),
		Status:     LoanStatusBorrowed,
	}
}

// DueDateFor returns the due date of a loan that started at borrowedAt.
func DueDateFor(borrowedAt time.Time) time.Time {
	return borrowedAt.Add(LoanPeriod)
}

// DeriveStatus is the single source of truth for a record's status.
func DeriveStatus(returnedAt *time.Time, dueDate, now time.Time) LoanStatus {
	if returnedAt != nil {
		return LoanStatusReturned
	}
	if now.After(dueDate) {
		return LoanStatusOverdue
	}
	return LoanStatusBorrowed
}

// IsOpen reports whether the copy is still out.
func (r *LoanRecord) IsOpen() bool {
	return r.ReturnedAt == nil
}

// IsOverdue reports whether the record is open and past its due date at now.
func (r *LoanRecord) IsOverdue(now time.Time) bool {
	return r.IsOpen() && now.After(r.DueDate)
}

// Refresh overwrites the cached status with the derived one and reports
// whether it changed.
func (r *LoanRecord) Refresh(now time.Time) bool {
	derived := DeriveStatus(r.ReturnedAt, r.DueDate, now)
	changed := derived != r.Status
	r.Status = derived
	return changed
}

// Close marks the record returned at returnedAt. It fails if already closed.
func (r *LoanRecord) Close(returnedAt time.Time) bool {
	if !r.IsOpen() {
		return false
	}
	r.ReturnedAt = &returnedAt
	r.Status = LoanStatusReturned
	return true
}

// LateFee charges perDay for every started day past the due date. Open records
// accrue until now, returned records until their return.
func (r *LoanRecord) LateFee(now time.Time, perDay decimal.Decimal) decimal.Decimal {
	end := now
	if r.ReturnedAt != nil {
		end = *r.ReturnedAt
	}
	if !end.After(r.DueDate) {
		return decimal.Zero
	}

	late := end.Sub(r.DueDate)
	days := int64(late / (24 * time.Hour))
	if late%(24*time.Hour) != 0 {
		days++
	}

	return perDay.Mul(decimal.NewFromInt(days)).Round(2)
}

// LoanDetails is a record joined with the name of its borrower and the book
// it lends.
type LoanDetails struct {
	LoanRecord
	Username string `json:"username" db:"username"`
	Title    string `json:"title" db:"title"`
	Author   string `json:"author" db:"author"`
}

// LoanView is the outward representation of a record at a point in time.
type LoanView struct {
	*LoanDetails
	LateFee decimal.Decimal `json:"late_fee"`
}

// NewLoanView derives status and fee for d at now.
func NewLoanView(d LoanDetails, now time.Time, feePerDay decimal.Decimal) LoanView {
	d.Refresh(now)
	return LoanView{
		LoanDetails: &d,
		LateFee:     d.LoanRecord.LateFee(now, feePerDay),
	}
}
