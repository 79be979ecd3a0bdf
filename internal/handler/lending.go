package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/lending-engine/internal/domain"
	customError "github.com/segyhp/lending-engine/pkg/errors"
	"github.com/segyhp/lending-engine/pkg/response"
	"github.com/segyhp/lending-engine/pkg/utils"
)

// retryAfter is the hint sent with TRANSACTION_ABORTED.
const retryAfter = time.Second

// LendingService is the engine as seen by the HTTP layer.
type LendingService interface {
	Borrow(ctx context.Context, userID, bookID int64) (int64, error)
	Return(ctx context.Context, userID, recordID int64, isOverride bool) error
	ListMyLoans(ctx context.Context, userID int64) ([]domain.LoanView, error)
	ListActive(ctx context.Context) ([]domain.LoanView, error)
	ListOverdue(ctx context.Context, now time.Time) ([]domain.LoanView, error)
	GetAvailability(ctx context.Context, bookID int64) (*domain.AvailabilityResponse, error)
}

type LendingHandler struct {
	service   LendingService
	validator *validator.Validate
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewLendingHandler(service LendingService, logger logrus.FieldLogger) *LendingHandler {
	return &LendingHandler{
		service:   service,
		validator: validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

type pathID struct {
	Raw string `validate:"required,numeric"`
}

func (h *LendingHandler) pathID(r *http.Request, name string) (int64, error) {
	param := pathID{Raw: mux.Vars(r)[name]}
	if err := h.validator.Struct(param); err != nil {
		return 0, err
	}
	return utils.ParseID(param.Raw)
}

// Borrow handles POST /api/v1/lending/borrow/{bookId}
func (h *LendingHandler) Borrow(w http.ResponseWriter, r *http.Request) {
	identity, ok := domain.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, customError.ErrCodeUnauthorized, "A valid bearer token is required")
		return
	}

	bookID, err := h.pathID(r, "bookId")
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, customError.ErrCodeValidationError, "bookId must be a positive integer")
		return
	}

	recordID, err := h.service.Borrow(r.Context(), identity.UserID, bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Created(w, domain.BorrowResponse{
		RecordID: recordID,
		Message:  "Book borrowed successfully",
	})
}

// Return handles POST /api/v1/lending/return/{recordId}
func (h *LendingHandler) Return(w http.ResponseWriter, r *http.Request) {
	identity, ok := domain.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, customError.ErrCodeUnauthorized, "A valid bearer token is required")
		return
	}

	recordID, err := h.pathID(r, "recordId")
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, customError.ErrCodeValidationError, "recordId must be a positive integer")
		return
	}

	if err := h.service.Return(r.Context(), identity.UserID, recordID, identity.CanOverride()); err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, domain.ReturnResponse{
		RecordID: recordID,
		Message:  "Book returned successfully",
	})
}

// MyBooks handles GET /api/v1/lending/my-books
func (h *LendingHandler) MyBooks(w http.ResponseWriter, r *http.Request) {
	identity, ok := domain.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, customError.ErrCodeUnauthorized, "A valid bearer token is required")
		return
	}

	loans, err := h.service.ListMyLoans(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, loans)
}

// Availability handles GET /api/v1/books/{bookId}/availability
func (h *LendingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	bookID, err := h.pathID(r, "bookId")
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, customError.ErrCodeValidationError, "bookId must be a positive integer")
		return
	}

	availability, err := h.service.GetAvailability(r.Context(), bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, availability)
}

// Active handles GET /api/v1/admin/lending/active
func (h *LendingHandler) Active(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListActive(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, loans)
}

// Overdue handles GET /api/v1/admin/lending/overdue
func (h *LendingHandler) Overdue(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListOverdue(r.Context(), h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, loans)
}

var statusByCode = map[string]int{
	customError.ErrCodeBookNotFound:       http.StatusNotFound,
	customError.ErrCodeLoanNotFound:       http.StatusNotFound,
	customError.ErrCodeUserNotFound:       http.StatusNotFound,
	customError.ErrCodeNoCopiesAvailable:  http.StatusConflict,
	customError.ErrCodeAlreadyReturned:    http.StatusConflict,
	customError.ErrCodeForbidden:          http.StatusForbidden,
	customError.ErrCodeInvariantViolation: http.StatusInternalServerError,
	customError.ErrCodeDatabaseError:      http.StatusInternalServerError,
	customError.ErrCodeValidationError:    http.StatusBadRequest,
	customError.ErrCodeUnauthorized:       http.StatusUnauthorized,
}

func (h *LendingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var be *customError.BusinessError
	if !errors.As(err, &be) {
		be = customError.NewBusinessError(customError.ErrCodeInternalServerError, "Internal server error", err)
	}

	if be.Code == customError.ErrCodeTransactionAborted {
		response.RetryLater(w, r, retryAfter, be.Code, be.Message)
		return
	}

	status, ok := statusByCode[be.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": response.RequestIDFrom(r.Context()),
		}).Error("lending request failed")
	}

	response.Error(w, r, status, be.Code, be.Message)
}
