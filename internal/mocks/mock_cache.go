package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/segyhp/lending-engine/internal/domain"
)

type MockLoanCache struct {
	mock.Mock
}

func (m *MockLoanCache) GetOpenLoans(ctx context.Context, userID int64) ([]*domain.LoanDetails, bool, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]*domain.LoanDetails), args.Bool(1), args.Error(2)
}

func (m *MockLoanCache) Generation(ctx context.Context, userID int64) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLoanCache) SetOpenLoans(ctx context.Context, userID, generation int64, loans []*domain.LoanDetails) error {
	args := m.Called(ctx, userID, generation, loans)
	return args.Error(0)
}

func (m *MockLoanCache) Invalidate(ctx context.Context, userIDs ...int64) error {
	args := m.Called(ctx, userIDs)
	return args.Error(0)
}
