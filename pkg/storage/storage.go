package storage

import (
	"context"

	"github.com/raterudder/octosync/pkg/types"
)

// Database persists time-series records. Queries return every record of the
// series overlapping the period, ordered by start. Upserts replace records
// that share a series and start.
type Database interface {
	GetRates(ctx context.Context, tariffCode string, period types.Period) ([]types.Rate, error)
	UpsertRates(ctx context.Context, rates []types.Rate) error

	GetConsumption(ctx context.Context, seriesKey string, period types.Period) ([]types.Consumption, error)
	UpsertConsumption(ctx context.Context, readings []types.Consumption) error

	// Clear deletes every stored record.
	Clear(ctx context.Context) error

	// Lifecycle
	Close() error
}
