package server

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/octosync/pkg/types"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) GetAccount(ctx context.Context, accountNumber string) (*types.Account, error) {
	args := m.Called(ctx, accountNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Account), args.Error(1)
}

func (m *mockRepository) GetProducts(ctx context.Context, postcode string) ([]types.ProductSummary, error) {
	args := m.Called(ctx, postcode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.ProductSummary), args.Error(1)
}

func (m *mockRepository) GetStandardUnitRates(ctx context.Context, productCode, tariffCode string, period types.Period) ([]types.Rate, error) {
	args := m.Called(ctx, productCode, tariffCode, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Rate), args.Error(1)
}

func (m *mockRepository) GetConsumption(ctx context.Context, meter types.Meter, period types.Period, groupBy types.GroupBy) ([]types.Consumption, error) {
	args := m.Called(ctx, meter, period, groupBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Consumption), args.Error(1)
}

func (m *mockRepository) ClearCache(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
