// Package repository resolves account, product, rate and consumption reads
// against the in-memory cache, the persistent store and the remote API, in
// that order, writing remote results back to the faster tiers.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raterudder/octosync/pkg/apierr"
	"github.com/raterudder/octosync/pkg/cache"
	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/remote"
	"github.com/raterudder/octosync/pkg/storage"
	"github.com/raterudder/octosync/pkg/types"
)

// TokenSource hands out tokens for remote calls. A nil token with a nil error
// means no API key is configured.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (*types.Token, error)
}

// Sources are the remote sources the repository falls back to.
type Sources struct {
	Accounts    remote.Source[remote.AccountQuery, *types.Account]
	Products    remote.Source[remote.ProductQuery, types.ProductSummary]
	Rates       remote.Source[remote.RateQuery, types.Rate]
	Consumption remote.Source[remote.ConsumptionQuery, types.Consumption]
}

// Repository is safe for concurrent use.
type Repository struct {
	store   storage.Database
	cache   *cache.Cache
	tokens  TokenSource
	sources Sources
}

// New creates a Repository. The cache is shared with the TokenSource so that
// ClearCache drops tokens as well.
func New(store storage.Database, c *cache.Cache, tokens TokenSource, sources Sources) *Repository {
	return &Repository{
		store:   store,
		cache:   c,
		tokens:  tokens,
		sources: sources,
	}
}

var errNoAPIKey = errors.New("no api key configured")

// token returns a token for op. When required is false a missing API key is
// allowed and a nil token is returned.
func (r *Repository) token(ctx context.Context, op string, required bool) (*types.Token, error) {
	tok, err := r.tokens.GetToken(ctx, false)
	if err != nil {
		return nil, err
	}
	if tok == nil && required {
		return nil, apierr.Precondition(op, errNoAPIKey.Error())
	}
	return tok, nil
}

// GetAccount returns the account with the given number. It returns nil if the
// account doesn't exist; that result isn't cached.
func (r *Repository) GetAccount(ctx context.Context, accountNumber string) (*types.Account, error) {
	const op = "get account"
	accountNumber = strings.TrimSpace(accountNumber)
	if accountNumber == "" {
		return nil, apierr.Precondition(op, "account number is required")
	}
	ctx = log.WithAttrs(ctx, slog.String("accountNumber", accountNumber))

	key := cache.NewKey(cache.KindAccount, accountNumber)
	if a, ok := cache.Lookup[*types.Account](r.cache, key); ok {
		log.Ctx(ctx).DebugContext(ctx, "resolved account", slog.String("tier", "memory"))
		return a, nil
	}

	tok, err := r.token(ctx, op, true)
	if err != nil {
		return nil, err
	}
	accounts, err := remote.FetchAll(ctx, r.sources.Accounts, tok, remote.AccountQuery{AccountNumber: accountNumber})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(accounts) == 0 || accounts[0] == nil {
		log.Ctx(ctx).InfoContext(ctx, "account not found")
		return nil, nil
	}

	r.cache.Put(key, accounts[0])
	log.Ctx(ctx).DebugContext(ctx, "resolved account", slog.String("tier", "remote"))
	return accounts[0], nil
}

// GetProducts returns the products available at postcode. Results are cached
// per postcode.
func (r *Repository) GetProducts(ctx context.Context, postcode string) ([]types.ProductSummary, error) {
	const op = "get products"
	postcode = strings.TrimSpace(postcode)
	if postcode == "" {
		return nil, apierr.Precondition(op, "postcode is required")
	}
	ctx = log.WithAttrs(ctx, slog.String("postcode", postcode))

	key := cache.NewKey(cache.KindProducts, postcode)
	if products, ok := cache.Lookup[[]types.ProductSummary](r.cache, key); ok {
		log.Ctx(ctx).DebugContext(ctx, "resolved products", slog.String("tier", "memory"), slog.Int("count", len(products)))
		return products, nil
	}

	// listing products is public so no token is needed
	products, err := remote.FetchAll(ctx, r.sources.Products, nil, remote.ProductQuery{Postcode: postcode})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if products == nil {
		products = []types.ProductSummary{}
	}

	r.cache.Put(key, products)
	log.Ctx(ctx).DebugContext(ctx, "resolved products", slog.String("tier", "remote"), slog.Int("count", len(products)))
	return products, nil
}

// GetStandardUnitRates returns the standard unit rates of a tariff over
// period. A token is used when one is available but rates are public so a
// missing API key is not an error.
func (r *Repository) GetStandardUnitRates(ctx context.Context, productCode, tariffCode string, period types.Period) ([]types.Rate, error) {
	const op = "get standard unit rates"
	if productCode == "" || tariffCode == "" {
		return nil, apierr.Precondition(op, "product code and tariff code are required")
	}
	return resolve(ctx, r, series[remote.RateQuery, types.Rate]{
		op:     op,
		key:    tariffCode,
		period: period,
		local: func(ctx context.Context) ([]types.Rate, error) {
			return r.store.GetRates(ctx, tariffCode, period)
		},
		upsert: r.store.UpsertRates,
		source: r.sources.Rates,
		query: remote.RateQuery{
			ProductCode: productCode,
			TariffCode:  tariffCode,
			Period:      period,
		},
	})
}

// GetConsumption returns the readings of meter over period at the given
// grouping.
func (r *Repository) GetConsumption(ctx context.Context, meter types.Meter, period types.Period, groupBy types.GroupBy) ([]types.Consumption, error) {
	const op = "get consumption"
	if meter.MPAN == "" || meter.SerialNumber == "" {
		return nil, apierr.Precondition(op, "mpan and meter serial number are required")
	}
	if err := groupBy.Validate(); err != nil {
		return nil, apierr.Invalid(op, err)
	}
	seriesKey := types.ConsumptionSeriesKey(meter, groupBy)
	return resolve(ctx, r, series[remote.ConsumptionQuery, types.Consumption]{
		op:            op,
		key:           seriesKey,
		period:        period,
		tokenRequired: true,
		local: func(ctx context.Context) ([]types.Consumption, error) {
			return r.store.GetConsumption(ctx, seriesKey, period)
		},
		upsert: r.store.UpsertConsumption,
		source: r.sources.Consumption,
		query: remote.ConsumptionQuery{
			Meter:   meter,
			Period:  period,
			GroupBy: groupBy,
		},
	})
}

// ClearCache drops every cached entity, tokens included, and every stored
// record.
func (r *Repository) ClearCache(ctx context.Context) error {
	r.cache.Clear()
	if err := r.store.Clear(ctx); err != nil {
		return apierr.Storage("clear cache", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared cache and store")
	return nil
}

// series describes one time-series read.
type series[Q any, T types.TimeSeriesRecord] struct {
	op            string
	key           string
	period        types.Period
	tokenRequired bool
	local         func(ctx context.Context) ([]T, error)
	upsert        func(ctx context.Context, records []T) error
	source        remote.Source[Q, T]
	query         Q
}

// resolve returns local records if they cover the whole period, otherwise it
// fetches the whole period remotely and writes the result back.
func resolve[Q any, T types.TimeSeriesRecord](ctx context.Context, r *Repository, s series[Q, T]) ([]T, error) {
	if err := s.period.Validate(); err != nil {
		return nil, apierr.Invalid(s.op, err)
	}
	ctx = log.WithAttrs(
		ctx,
		slog.String("op", s.op),
		slog.String("series", s.key),
		slog.Time("from", s.period.From),
		slog.Time("to", s.period.To),
	)

	local, err := s.local(ctx)
	if err != nil {
		return nil, apierr.Storage(s.op, fmt.Errorf("failed to query store: %w", err))
	}
	sortByStart(local)
	if covers(local, s.period) {
		log.Ctx(ctx).DebugContext(ctx, "resolved series", slog.String("tier", "store"), slog.Int("count", len(local)))
		return local, nil
	}

	tok, err := r.token(ctx, s.op, s.tokenRequired)
	if err != nil {
		return nil, err
	}
	fetched, err := remote.FetchAll(ctx, s.source, tok, s.query)
	if err != nil {
		return nil, err
	}
	// nothing is written back for a canceled call
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortByStart(fetched)

	if err := s.upsert(ctx, fetched); err != nil {
		return nil, apierr.Storage(s.op, fmt.Errorf("failed to upsert records: %w", err))
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"resolved series",
		slog.String("tier", "remote"),
		slog.Int("local", len(local)),
		slog.Int("count", len(fetched)),
	)
	if fetched == nil {
		fetched = []T{}
	}
	return fetched, nil
}
