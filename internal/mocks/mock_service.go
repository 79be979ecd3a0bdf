package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/segyhp/lending-engine/internal/domain"
)

type MockLendingService struct {
	mock.Mock
}

func (m *MockLendingService) Borrow(ctx context.Context, userID, bookID int64) (int64, error) {
	args := m.Called(ctx, userID, bookID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLendingService) Return(ctx context.Context, userID, recordID int64, isOverride bool) error {
	args := m.Called(ctx, userID, recordID, isOverride)
	return args.Error(0)
}

func (m *MockLendingService) ListMyLoans(ctx context.Context, userID int64) ([]domain.LoanView, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LoanView), args.Error(1)
}

func (m *MockLendingService) ListActive(ctx context.Context) ([]domain.LoanView, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LoanView), args.Error(1)
}

func (m *MockLendingService) ListOverdue(ctx context.Context, now time.Time) ([]domain.LoanView, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LoanView), args.Error(1)
}

func (m *MockLendingService) GetAvailability(ctx context.Context, bookID int64) (*domain.AvailabilityResponse, error) {
	args := m.Called(ctx, bookID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AvailabilityResponse), args.Error(1)
}

// NewMockLendingService creates a new mock lending service instance
func NewMockLendingService() *MockLendingService {
	return &MockLendingService{}
}
