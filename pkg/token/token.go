// Package token owns the Kraken token lifecycle. A Manager hands out tokens
// that are valid at hand-off time, refreshing or re-issuing them as needed and
// collapsing concurrent requests for the same API key into one network call.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/raterudder/octosync/pkg/apierr"
	"github.com/raterudder/octosync/pkg/cache"
	"github.com/raterudder/octosync/pkg/credentials"
	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/types"
)

// Issuer talks to the remote token endpoints.
type Issuer interface {
	// ObtainToken requests a brand-new token with the API key.
	ObtainToken(ctx context.Context, apiKey string) (types.Token, error)
	// RefreshToken exchanges a refresh value for a new token.
	RefreshToken(ctx context.Context, refreshToken string) (types.Token, error)
}

// Manager produces valid tokens for outbound calls.
type Manager struct {
	issuer Issuer
	creds  credentials.Provider
	cache  *cache.Cache
	clock  clockwork.Clock

	flights singleflight.Group

	mu      sync.Mutex
	lastKey string
}

// New creates a Manager. Tokens are stored in c under cache.KindToken.
func New(issuer Issuer, creds credentials.Provider, c *cache.Cache, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		issuer: issuer,
		creds:  creds,
		cache:  c,
		clock:  clock,
	}
}

// GetToken returns a token that is valid now. It returns nil without touching
// the network if no API key is configured. forceRefresh always requests a
// brand-new token.
func (m *Manager) GetToken(ctx context.Context, forceRefresh bool) (*types.Token, error) {
	apiKey, err := m.creds.APIKey(ctx)
	if err != nil {
		if apierr.IsCanceled(err) {
			return nil, err
		}
		// unreadable credentials are a configuration problem, not worth retrying
		return nil, apierr.Invalid("get token", fmt.Errorf("failed to read api key: %w", err))
	}
	if apiKey == "" {
		log.Ctx(ctx).DebugContext(ctx, "no api key configured")
		return nil, nil
	}
	m.forgetOtherKeys(ctx, apiKey)

	if !forceRefresh {
		if tok, ok := cache.Lookup[types.Token](m.cache, cacheKey(apiKey)); ok && tok.ValidAt(m.clock.Now()) {
			return &tok, nil
		}
	}

	flight := apiKey
	if forceRefresh {
		flight = "force:" + apiKey
	}
	// the flight is shared so it must outlive the caller that started it
	flightCtx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(flight, func() (any, error) {
		return m.acquire(flightCtx, apiKey, forceRefresh)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tok := res.Val.(types.Token)
		if !tok.ValidAt(m.clock.Now()) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"acquired token is not valid",
				slog.Time("expiry", tok.Expiry),
				slog.Time("now", m.clock.Now()),
			)
			return nil, apierr.Server("get token", 0, errors.New("received token is already expired"))
		}
		return &tok, nil
	}
}

// acquire runs inside a single flight.
func (m *Manager) acquire(ctx context.Context, apiKey string, force bool) (types.Token, error) {
	key := cacheKey(apiKey)

	if !force {
		cached, ok := cache.Lookup[types.Token](m.cache, key)
		if ok {
			state := cached.State(m.clock.Now())
			switch state {
			case types.TokenValid:
				// another flight finished between the caller's check and ours
				return cached, nil
			case types.TokenRefreshable:
				tok, err := m.issuer.RefreshToken(ctx, cached.RefreshValue)
				if err == nil {
					log.Ctx(ctx).DebugContext(ctx, "refreshed token", slog.Time("expiry", tok.Expiry))
					m.cache.Put(key, tok)
					return tok, nil
				}
				log.Ctx(ctx).WarnContext(ctx, "failed to refresh token, issuing a new one", slog.Any("error", err))
			}
		}
	}

	tok, err := m.issuer.ObtainToken(ctx, apiKey)
	if err != nil {
		return types.Token{}, fmt.Errorf("failed to obtain token: %w", err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"obtained token",
		slog.Time("expiry", tok.Expiry),
		slog.Bool("forced", force),
	)
	m.cache.Put(key, tok)
	return tok, nil
}

// forgetOtherKeys drops tokens issued for a previous API key.
func (m *Manager) forgetOtherKeys(ctx context.Context, apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastKey == apiKey {
		return
	}
	if m.lastKey != "" {
		n := m.cache.ClearMatching(func(k cache.Key) bool {
			return k.Kind == cache.KindToken && k.Selector != apiKey
		})
		log.Ctx(ctx).InfoContext(ctx, "api key changed, dropped cached tokens", slog.Int("dropped", n))
	}
	m.lastKey = apiKey
}

func cacheKey(apiKey string) cache.Key {
	return cache.NewKey(cache.KindToken, apiKey)
}
