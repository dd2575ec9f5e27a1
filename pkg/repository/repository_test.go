package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/octosync/pkg/apierr"
	"github.com/raterudder/octosync/pkg/cache"
	"github.com/raterudder/octosync/pkg/remote"
	"github.com/raterudder/octosync/pkg/storage"
	"github.com/raterudder/octosync/pkg/storage/storagemock"
	"github.com/raterudder/octosync/pkg/types"
)

type fakeTokens struct {
	mu    sync.Mutex
	token *types.Token
	err   error
	calls int
}

func (f *fakeTokens) GetToken(ctx context.Context, forceRefresh bool) (*types.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.token, f.err
}

// fakeRemote records every page request made to its sources.
type fakeRemote struct {
	mu sync.Mutex

	accounts    map[string]*types.Account
	products    map[string][]types.ProductSummary
	consumption func(q remote.ConsumptionQuery) []types.Consumption
	rates       func(q remote.RateQuery) []types.Rate
	err         error

	accountCalls     int
	productCalls     []string
	consumptionCalls []remote.ConsumptionQuery
	rateCalls        []remote.RateQuery
	tokens           []*types.Token
}

func (f *fakeRemote) sources() Sources {
	return Sources{
		Accounts: remote.SourceFunc[remote.AccountQuery, *types.Account](func(ctx context.Context, token *types.Token, q remote.AccountQuery, cursor string) (types.PagedResult[*types.Account], error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.accountCalls++
			f.tokens = append(f.tokens, token)
			if f.err != nil {
				return types.PagedResult[*types.Account]{}, f.err
			}
			if a, ok := f.accounts[q.AccountNumber]; ok {
				return types.PagedResult[*types.Account]{Items: []*types.Account{a}}, nil
			}
			return types.PagedResult[*types.Account]{}, nil
		}),
		Products: remote.SourceFunc[remote.ProductQuery, types.ProductSummary](func(ctx context.Context, token *types.Token, q remote.ProductQuery, cursor string) (types.PagedResult[types.ProductSummary], error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.productCalls = append(f.productCalls, q.Postcode)
			if f.err != nil {
				return types.PagedResult[types.ProductSummary]{}, f.err
			}
			return types.PagedResult[types.ProductSummary]{Items: f.products[q.Postcode]}, nil
		}),
		Consumption: remote.SourceFunc[remote.ConsumptionQuery, types.Consumption](func(ctx context.Context, token *types.Token, q remote.ConsumptionQuery, cursor string) (types.PagedResult[types.Consumption], error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.consumptionCalls = append(f.consumptionCalls, q)
			f.tokens = append(f.tokens, token)
			if f.err != nil {
				return types.PagedResult[types.Consumption]{}, f.err
			}
			return types.PagedResult[types.Consumption]{Items: f.consumption(q)}, nil
		}),
		Rates: remote.SourceFunc[remote.RateQuery, types.Rate](func(ctx context.Context, token *types.Token, q remote.RateQuery, cursor string) (types.PagedResult[types.Rate], error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.rateCalls = append(f.rateCalls, q)
			f.tokens = append(f.tokens, token)
			if f.err != nil {
				return types.PagedResult[types.Rate]{}, f.err
			}
			return types.PagedResult[types.Rate]{Items: f.rates(q)}, nil
		}),
	}
}

var (
	testMeter = types.Meter{MPAN: "1200000000001", SerialNumber: "21L0000001"}
	testToken = &types.Token{Value: "jwt", Expiry: time.Now().Add(time.Hour)}
)

// halfHourly returns readings covering [from, to) newest first, the way the
// API orders them by default.
func halfHourly(meter types.Meter, from, to time.Time) []types.Consumption {
	var out []types.Consumption
	for start := from.Truncate(30 * time.Minute); start.Before(to); start = start.Add(30 * time.Minute) {
		out = append([]types.Consumption{{
			MPAN:          meter.MPAN,
			MeterSerial:   meter.SerialNumber,
			IntervalStart: start,
			IntervalEnd:   start.Add(30 * time.Minute),
			KWh:           0.2,
		}}, out...)
	}
	return out
}

func halfHourlyRates(tariff string, from, to time.Time) []types.Rate {
	var out []types.Rate
	for start := from.Truncate(30 * time.Minute); start.Before(to); start = start.Add(30 * time.Minute) {
		out = append(out, types.Rate{TariffCode: tariff, ValidFrom: start, ValidTo: start.Add(30 * time.Minute), ValueIncVAT: 21})
	}
	return out
}

func newSQLite(t *testing.T) storage.Database {
	t.Helper()
	db, err := storage.NewSQLiteDatabase(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRepository(t *testing.T) (*Repository, *fakeRemote, *fakeTokens, storage.Database) {
	t.Helper()
	fr := &fakeRemote{
		accounts: map[string]*types.Account{},
		products: map[string][]types.ProductSummary{},
		consumption: func(q remote.ConsumptionQuery) []types.Consumption {
			return halfHourly(q.Meter, q.Period.From, q.Period.To)
		},
		rates: func(q remote.RateQuery) []types.Rate {
			return halfHourlyRates(q.TariffCode, q.Period.From, q.Period.To)
		},
	}
	tokens := &fakeTokens{token: testToken}
	db := newSQLite(t)
	return New(db, cache.New(), tokens, fr.sources()), fr, tokens, db
}

func TestGetConsumption(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	t.Run("local range is served without remote calls", func(t *testing.T) {
		repo, fr, tokens, db := newTestRepository(t)
		local := halfHourly(testMeter, day.Add(22*time.Hour+30*time.Minute), day.Add(24*time.Hour))
		require.NoError(t, db.UpsertConsumption(ctx, local))

		period := types.Period{
			From: time.Date(2024, 5, 6, 22, 30, 0, 0, time.UTC),
			To:   time.Date(2024, 5, 6, 23, 59, 59, 0, time.UTC),
		}
		got, err := repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].IntervalStart.Equal(period.From))
		assert.Empty(t, fr.consumptionCalls)
		assert.Zero(t, tokens.calls)

		// the earlier start is missing locally so the whole period is fetched
		period.From = time.Date(2024, 5, 6, 21, 0, 0, 0, time.UTC)
		got, err = repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		require.NoError(t, err)
		require.Len(t, fr.consumptionCalls, 1)
		assert.Equal(t, period, fr.consumptionCalls[0].Period)
		assert.Equal(t, testMeter, fr.consumptionCalls[0].Meter)
		require.Len(t, got, 6)
		for i := 1; i < len(got); i++ {
			assert.True(t, got[i-1].IntervalStart.Before(got[i].IntervalStart), "results are ordered by start")
		}
		assert.Same(t, testToken, fr.tokens[0])

		stored, err := db.GetConsumption(ctx, types.ConsumptionSeriesKey(testMeter, types.GroupByHalfHour), period)
		require.NoError(t, err)
		assert.Len(t, stored, 6)

		// now fully local
		_, err = repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		require.NoError(t, err)
		assert.Len(t, fr.consumptionCalls, 1)
	})

	t.Run("repeated reads are idempotent", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)
		period := types.Period{From: day, To: day.Add(6 * time.Hour)}

		first, err := repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		require.NoError(t, err)
		second, err := repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		require.NoError(t, err)

		assert.Len(t, fr.consumptionCalls, 1)
		require.Len(t, second, len(first))
		for i := range first {
			assert.True(t, first[i].IntervalStart.Equal(second[i].IntervalStart))
		}
	})

	t.Run("extending the range goes remote", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)
		t1 := day.Add(12 * time.Hour)
		t2 := day.Add(18 * time.Hour)

		_, err := repo.GetConsumption(ctx, testMeter, types.Period{From: day, To: t1}, types.GroupByHalfHour)
		require.NoError(t, err)
		_, err = repo.GetConsumption(ctx, testMeter, types.Period{From: day, To: t2}, types.GroupByHalfHour)
		require.NoError(t, err)

		require.Len(t, fr.consumptionCalls, 2)
		assert.Equal(t, types.Period{From: day, To: t2}, fr.consumptionCalls[1].Period)
	})

	t.Run("gap goes remote", func(t *testing.T) {
		repo, fr, _, db := newTestRepository(t)
		require.NoError(t, db.UpsertConsumption(ctx, halfHourly(testMeter, day, day.Add(time.Hour))))
		require.NoError(t, db.UpsertConsumption(ctx, halfHourly(testMeter, day.Add(2*time.Hour), day.Add(3*time.Hour))))

		_, err := repo.GetConsumption(ctx, testMeter, types.Period{From: day, To: day.Add(3 * time.Hour)}, types.GroupByHalfHour)
		require.NoError(t, err)
		assert.Len(t, fr.consumptionCalls, 1)
	})

	t.Run("groupings are separate series", func(t *testing.T) {
		repo, fr, _, db := newTestRepository(t)
		require.NoError(t, db.UpsertConsumption(ctx, halfHourly(testMeter, day, day.Add(24*time.Hour))))
		fr.consumption = func(q remote.ConsumptionQuery) []types.Consumption {
			return []types.Consumption{{MPAN: q.Meter.MPAN, MeterSerial: q.Meter.SerialNumber, GroupBy: q.GroupBy, IntervalStart: day, IntervalEnd: day.Add(24 * time.Hour), KWh: 9.6}}
		}

		got, err := repo.GetConsumption(ctx, testMeter, types.Period{From: day, To: day.Add(24 * time.Hour)}, types.GroupByDay)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 9.6, got[0].KWh)
		require.Len(t, fr.consumptionCalls, 1)
		assert.Equal(t, types.GroupByDay, fr.consumptionCalls[0].GroupBy)
	})

	t.Run("no api key", func(t *testing.T) {
		repo, fr, tokens, _ := newTestRepository(t)
		tokens.token = nil

		got, err := repo.GetConsumption(ctx, testMeter, types.Period{From: day, To: day.Add(time.Hour)}, types.GroupByHalfHour)
		assert.Nil(t, got)
		assert.Equal(t, apierr.KindPrecondition, apierr.KindOf(err))
		assert.Empty(t, fr.consumptionCalls)
	})

	t.Run("token failure fails the call", func(t *testing.T) {
		repo, fr, tokens, _ := newTestRepository(t)
		tokens.err = apierr.Transport("obtain token", errors.New("dial tcp: no route to host"))

		_, err := repo.GetConsumption(ctx, testMeter, types.Period{From: day, To: day.Add(time.Hour)}, types.GroupByHalfHour)
		assert.Equal(t, apierr.KindTransport, apierr.KindOf(err))
		assert.Empty(t, fr.consumptionCalls)
	})

	t.Run("remote failure", func(t *testing.T) {
		repo, fr, _, db := newTestRepository(t)
		fr.err = apierr.Server("fetch consumption", 500, errors.New("boom"))

		period := types.Period{From: day, To: day.Add(time.Hour)}
		got, err := repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		assert.Nil(t, got)
		assert.Equal(t, apierr.KindServer, apierr.KindOf(err))
		assert.Equal(t, 500, apierr.StatusCode(err))

		stored, err := db.GetConsumption(ctx, types.ConsumptionSeriesKey(testMeter, types.GroupByHalfHour), period)
		require.NoError(t, err)
		assert.Empty(t, stored)
	})

	t.Run("invalid input", func(t *testing.T) {
		repo, _, _, _ := newTestRepository(t)

		_, err := repo.GetConsumption(ctx, testMeter, types.Period{From: day, To: day}, types.GroupByHalfHour)
		assert.Equal(t, apierr.KindPrecondition, apierr.KindOf(err))
		assert.ErrorIs(t, err, types.ErrInvalidPeriod)

		_, err = repo.GetConsumption(ctx, types.Meter{MPAN: "1"}, types.Period{From: day, To: day.Add(time.Hour)}, types.GroupByHalfHour)
		assert.Equal(t, apierr.KindPrecondition, apierr.KindOf(err))

		_, err = repo.GetConsumption(ctx, testMeter, types.Period{From: day, To: day.Add(time.Hour)}, types.GroupBy("fortnight"))
		assert.Equal(t, apierr.KindPrecondition, apierr.KindOf(err))
	})
}

func TestGetConsumptionStoreFailures(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	period := types.Period{From: day, To: day.Add(time.Hour)}
	seriesKey := types.ConsumptionSeriesKey(testMeter, types.GroupByHalfHour)

	newRepo := func(db storage.Database) (*Repository, *fakeRemote) {
		fr := &fakeRemote{consumption: func(q remote.ConsumptionQuery) []types.Consumption {
			return halfHourly(q.Meter, q.Period.From, q.Period.To)
		}}
		return New(db, cache.New(), &fakeTokens{token: testToken}, fr.sources()), fr
	}

	t.Run("read failure is not a miss", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetConsumption", mock.Anything, seriesKey, period).Return(nil, errors.New("database disk image is malformed"))
		repo, fr := newRepo(db)

		got, err := repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		assert.Nil(t, got)
		assert.Equal(t, apierr.KindStorage, apierr.KindOf(err))
		assert.Empty(t, fr.consumptionCalls)
		db.AssertExpectations(t)
	})

	t.Run("write failure", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetConsumption", mock.Anything, seriesKey, period).Return([]types.Consumption{}, nil)
		db.On("UpsertConsumption", mock.Anything, mock.Anything).Return(errors.New("disk full"))
		repo, fr := newRepo(db)

		got, err := repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		assert.Nil(t, got)
		assert.Equal(t, apierr.KindStorage, apierr.KindOf(err))
		assert.Len(t, fr.consumptionCalls, 1)
		db.AssertExpectations(t)
	})

	t.Run("canceled after fetch writes nothing", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetConsumption", mock.Anything, seriesKey, period).Return([]types.Consumption{}, nil)

		cctx, cancel := context.WithCancel(ctx)
		fr := &fakeRemote{consumption: func(q remote.ConsumptionQuery) []types.Consumption {
			cancel()
			return halfHourly(q.Meter, q.Period.From, q.Period.To)
		}}
		repo := New(db, cache.New(), &fakeTokens{token: testToken}, fr.sources())

		got, err := repo.GetConsumption(cctx, testMeter, period, types.GroupByHalfHour)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, apierr.IsCanceled(err))
		db.AssertNotCalled(t, "UpsertConsumption", mock.Anything, mock.Anything)
	})
}

func TestGetStandardUnitRates(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	period := types.Period{From: day, To: day.Add(24 * time.Hour)}

	t.Run("fetch then store", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)

		got, err := repo.GetStandardUnitRates(ctx, "AGILE-24-04-03", "E-1R-AGILE-24-04-03-C", period)
		require.NoError(t, err)
		assert.Len(t, got, 48)
		require.Len(t, fr.rateCalls, 1)
		assert.Equal(t, "AGILE-24-04-03", fr.rateCalls[0].ProductCode)

		_, err = repo.GetStandardUnitRates(ctx, "AGILE-24-04-03", "E-1R-AGILE-24-04-03-C", types.Period{From: day.Add(time.Hour), To: day.Add(2 * time.Hour)})
		require.NoError(t, err)
		assert.Len(t, fr.rateCalls, 1)
	})

	t.Run("open-ended rate covers the future", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)
		fr.rates = func(q remote.RateQuery) []types.Rate {
			return []types.Rate{{TariffCode: q.TariffCode, ValidFrom: day.AddDate(0, -1, 0), ValueIncVAT: 24.5}}
		}

		_, err := repo.GetStandardUnitRates(ctx, "VAR-22-11-01", "E-1R-VAR-22-11-01-C", period)
		require.NoError(t, err)
		got, err := repo.GetStandardUnitRates(ctx, "VAR-22-11-01", "E-1R-VAR-22-11-01-C", types.Period{From: day.AddDate(0, 1, 0), To: day.AddDate(0, 2, 0)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Len(t, fr.rateCalls, 1)
	})

	t.Run("payment methods sharing a start are both kept", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)
		start := day.Add(22 * time.Hour)
		fr.rates = func(q remote.RateQuery) []types.Rate {
			return []types.Rate{
				{TariffCode: q.TariffCode, ValidFrom: start, ValidTo: start.Add(30 * time.Minute), ValueIncVAT: 25.9, PaymentMethod: "NON_DIRECT_DEBIT"},
				{TariffCode: q.TariffCode, ValidFrom: start, ValidTo: start.Add(30 * time.Minute), ValueIncVAT: 24.5, PaymentMethod: "DIRECT_DEBIT"},
			}
		}
		window := types.Period{From: start, To: start.Add(30 * time.Minute)}

		first, err := repo.GetStandardUnitRates(ctx, "VAR-22-11-01", "E-1R-VAR-22-11-01-C", window)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "DIRECT_DEBIT", first[0].PaymentMethod)
		assert.Equal(t, "NON_DIRECT_DEBIT", first[1].PaymentMethod)

		second, err := repo.GetStandardUnitRates(ctx, "VAR-22-11-01", "E-1R-VAR-22-11-01-C", window)
		require.NoError(t, err)
		require.Len(t, second, 2)
		assert.Len(t, fr.rateCalls, 1)
		for i := range first {
			assert.Equal(t, first[i].PaymentMethod, second[i].PaymentMethod)
			assert.Equal(t, first[i].ValueIncVAT, second[i].ValueIncVAT)
			assert.True(t, first[i].ValidFrom.Equal(second[i].ValidFrom))
		}
	})

	t.Run("public without api key", func(t *testing.T) {
		repo, fr, tokens, _ := newTestRepository(t)
		tokens.token = nil

		got, err := repo.GetStandardUnitRates(ctx, "AGILE-24-04-03", "E-1R-AGILE-24-04-03-C", period)
		require.NoError(t, err)
		assert.Len(t, got, 48)
		require.Len(t, fr.tokens, 1)
		assert.Nil(t, fr.tokens[0])
	})

	t.Run("missing codes", func(t *testing.T) {
		repo, _, _, _ := newTestRepository(t)
		_, err := repo.GetStandardUnitRates(ctx, "", "E-1R-AGILE-24-04-03-C", period)
		assert.Equal(t, apierr.KindPrecondition, apierr.KindOf(err))
	})
}

func TestGetAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("cached after first fetch", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)
		fr.accounts["A-1234ABCD"] = &types.Account{Number: "A-1234ABCD", Balance: 12}

		a, err := repo.GetAccount(ctx, "A-1234ABCD")
		require.NoError(t, err)
		assert.Equal(t, 12.0, a.Balance)
		a, err = repo.GetAccount(ctx, " A-1234ABCD ")
		require.NoError(t, err)
		assert.Equal(t, "A-1234ABCD", a.Number)
		assert.Equal(t, 1, fr.accountCalls)
	})

	t.Run("not found is nil and not cached", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)

		a, err := repo.GetAccount(ctx, "A-0")
		require.NoError(t, err)
		assert.Nil(t, a)
		_, err = repo.GetAccount(ctx, "A-0")
		require.NoError(t, err)
		assert.Equal(t, 2, fr.accountCalls)
	})

	t.Run("no api key", func(t *testing.T) {
		repo, fr, tokens, _ := newTestRepository(t)
		tokens.token = nil

		_, err := repo.GetAccount(ctx, "A-1234ABCD")
		assert.Equal(t, apierr.KindPrecondition, apierr.KindOf(err))
		assert.Zero(t, fr.accountCalls)
	})

	t.Run("missing account number", func(t *testing.T) {
		repo, _, tokens, _ := newTestRepository(t)
		_, err := repo.GetAccount(ctx, "")
		assert.Equal(t, apierr.KindPrecondition, apierr.KindOf(err))
		assert.Zero(t, tokens.calls)
	})
}

func TestGetProducts(t *testing.T) {
	ctx := context.Background()

	t.Run("postcode is part of the key", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)
		fr.products["A"] = []types.ProductSummary{{Code: "AGILE-24-04-03"}}
		fr.products["B"] = []types.ProductSummary{{Code: "VAR-22-11-01"}, {Code: "OE-FIX-12M-24-05-01"}}

		a, err := repo.GetProducts(ctx, "A")
		require.NoError(t, err)
		b, err := repo.GetProducts(ctx, "B")
		require.NoError(t, err)

		assert.Equal(t, "AGILE-24-04-03", a[0].Code)
		require.Len(t, b, 2)
		assert.Equal(t, "VAR-22-11-01", b[0].Code)
		assert.Equal(t, []string{"A", "B"}, fr.productCalls)

		a, err = repo.GetProducts(ctx, "A")
		require.NoError(t, err)
		assert.Len(t, a, 1)
		assert.Len(t, fr.productCalls, 2)
	})

	t.Run("no token needed", func(t *testing.T) {
		repo, _, tokens, _ := newTestRepository(t)
		tokens.token = nil

		products, err := repo.GetProducts(ctx, "A")
		require.NoError(t, err)
		assert.NotNil(t, products)
		assert.Empty(t, products)
		assert.Zero(t, tokens.calls)
	})

	t.Run("failure is not cached", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)
		fr.err = apierr.Transport("fetch products", errors.New("connection refused"))

		_, err := repo.GetProducts(ctx, "A")
		assert.Equal(t, apierr.KindTransport, apierr.KindOf(err))

		fr.err = nil
		_, err = repo.GetProducts(ctx, "A")
		require.NoError(t, err)
		assert.Len(t, fr.productCalls, 2)
	})
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	period := types.Period{From: day, To: day.Add(2 * time.Hour)}

	t.Run("clears every tier", func(t *testing.T) {
		repo, fr, _, _ := newTestRepository(t)
		fr.products["A"] = []types.ProductSummary{{Code: "AGILE-24-04-03"}}

		_, err := repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		require.NoError(t, err)
		_, err = repo.GetProducts(ctx, "A")
		require.NoError(t, err)

		require.NoError(t, repo.ClearCache(ctx))

		_, err = repo.GetConsumption(ctx, testMeter, period, types.GroupByHalfHour)
		require.NoError(t, err)
		_, err = repo.GetProducts(ctx, "A")
		require.NoError(t, err)
		assert.Len(t, fr.consumptionCalls, 2)
		assert.Len(t, fr.productCalls, 2)
	})

	t.Run("store failure propagates", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("Clear", mock.Anything).Return(errors.New("readonly database"))
		c := cache.New()
		c.Put(cache.NewKey(cache.KindProducts, "A"), []types.ProductSummary{})
		repo := New(db, c, &fakeTokens{}, Sources{})

		err := repo.ClearCache(ctx)
		assert.Equal(t, apierr.KindStorage, apierr.KindOf(err))
		assert.ErrorContains(t, err, "readonly database")
		assert.Zero(t, c.Len())
		db.AssertExpectations(t)
	})
}

func TestConcurrentResolves(t *testing.T) {
	repo, fr, _, _ := newTestRepository(t)
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	meters := []types.Meter{
		testMeter,
		{MPAN: "1200000000002", SerialNumber: "21L0000002"},
		{MPAN: "1200000000003", SerialNumber: "21L0000003"},
	}
	var wg sync.WaitGroup
	errs := make([]error, len(meters))
	for i, m := range meters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = repo.GetConsumption(context.Background(), m, types.Period{From: day, To: day.Add(4 * time.Hour)}, types.GroupByHalfHour)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, fr.consumptionCalls, len(meters))
}
