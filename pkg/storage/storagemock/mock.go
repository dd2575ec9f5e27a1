package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/octosync/pkg/storage"
	"github.com/raterudder/octosync/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetRates(ctx context.Context, tariffCode string, period types.Period) ([]types.Rate, error) {
	args := m.Called(ctx, tariffCode, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Rate), args.Error(1)
}

func (m *MockDatabase) UpsertRates(ctx context.Context, rates []types.Rate) error {
	args := m.Called(ctx, rates)
	return args.Error(0)
}

func (m *MockDatabase) GetConsumption(ctx context.Context, seriesKey string, period types.Period) ([]types.Consumption, error) {
	args := m.Called(ctx, seriesKey, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Consumption), args.Error(1)
}

func (m *MockDatabase) UpsertConsumption(ctx context.Context, readings []types.Consumption) error {
	args := m.Called(ctx, readings)
	return args.Error(0)
}

func (m *MockDatabase) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
