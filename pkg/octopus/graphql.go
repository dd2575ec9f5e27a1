package octopus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/raterudder/octosync/pkg/apierr"
	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/remote"
	"github.com/raterudder/octosync/pkg/types"
)

// Kraken error codes meaning the token or API key was rejected.
var authErrorCodes = map[string]bool{
	"KT-CT-1139": true, // invalid authorization header
	"KT-CT-1111": true, // unauthorized
	"KT-CT-1143": true, // token expired
	"KT-CT-1124": true, // JWT expired
	"KT-CT-1135": true, // invalid refresh token
	"KT-CT-1134": true, // refresh token expired
}

// defaultTokenLifetime is used when neither the response nor the JWT carry an
// expiry.
const defaultTokenLifetime = time.Hour

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		ErrorCode string `json:"errorCode"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// graphql runs query and decodes the data field into v. It returns false if
// the endpoint returned 404 or no data.
func (c *Client) graphql(ctx context.Context, op, query string, vars map[string]any, token *types.Token, v any) (bool, error) {
	var resp graphqlResponse
	found, err := c.post(ctx, op, c.graphqlURL, token, graphqlRequest{Query: query, Variables: vars}, &resp)
	if err != nil || !found {
		return false, err
	}

	if len(resp.Errors) > 0 {
		status := 0
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
			if e.Extensions.ErrorCode != "" {
				msgs[i] = e.Extensions.ErrorCode + ": " + e.Message
			}
			if authErrorCodes[e.Extensions.ErrorCode] {
				status = http.StatusUnauthorized
			}
		}
		return false, apierr.Server(op, status, fmt.Errorf("graphql errors: %s", strings.Join(msgs, ", ")))
	}

	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return false, apierr.Server(op, 0, fmt.Errorf("failed to decode graphql data: %w", err))
	}
	return true, nil
}

const obtainTokenMutation = `mutation obtainKrakenToken($input: ObtainJSONWebTokenInput!) {
	obtainKrakenToken(input: $input) {
		token
		payload
		refreshToken
		refreshExpiresIn
	}
}`

type krakenTokenResult struct {
	ObtainKrakenToken *struct {
		Token   string `json:"token"`
		Payload struct {
			Exp int64 `json:"exp"`
		} `json:"payload"`
		RefreshToken     string `json:"refreshToken"`
		RefreshExpiresIn int64  `json:"refreshExpiresIn"`
	} `json:"obtainKrakenToken"`
}

// ObtainToken requests a new token with the API key.
func (c *Client) ObtainToken(ctx context.Context, apiKey string) (types.Token, error) {
	return c.krakenToken(ctx, "obtain token", map[string]any{"APIKey": apiKey})
}

// RefreshToken exchanges a refresh token for a new token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (types.Token, error) {
	return c.krakenToken(ctx, "refresh token", map[string]any{"refreshToken": refreshToken})
}

func (c *Client) krakenToken(ctx context.Context, op string, input map[string]any) (types.Token, error) {
	issuedAt := c.clock.Now()

	var res krakenTokenResult
	found, err := c.graphql(ctx, op, obtainTokenMutation, map[string]any{"input": input}, nil, &res)
	if err != nil {
		return types.Token{}, err
	}
	if !found || res.ObtainKrakenToken == nil || res.ObtainKrakenToken.Token == "" {
		return types.Token{}, apierr.Server(op, 0, errors.New("empty token received"))
	}
	kt := res.ObtainKrakenToken

	tok := types.Token{
		Value:        kt.Token,
		Expiry:       tokenExpiry(ctx, kt.Token, kt.Payload.Exp, issuedAt),
		RefreshValue: kt.RefreshToken,
	}
	if kt.RefreshToken != "" && kt.RefreshExpiresIn > 0 {
		tok.RefreshExpiry = issuedAt.Add(time.Duration(kt.RefreshExpiresIn) * time.Second)
	}
	return tok, nil
}

// tokenExpiry prefers the exp returned in the payload, then the JWT's own exp
// claim, and finally assumes the default lifetime.
func tokenExpiry(ctx context.Context, raw string, payloadExp int64, issuedAt time.Time) time.Time {
	if payloadExp > 0 {
		return time.Unix(payloadExp, 0).UTC()
	}
	parsed, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to parse token as jwt", slog.Any("error", err))
		return issuedAt.Add(defaultTokenLifetime)
	}
	if exp, ok := parsed.Expiration(); ok && !exp.IsZero() {
		return exp.UTC()
	}
	return issuedAt.Add(defaultTokenLifetime)
}

const accountQuery = `query account($accountNumber: String!) {
	account(accountNumber: $accountNumber) {
		number
		balance
		properties {
			id
			address
			postcode
			electricityMeterPoints {
				mpan
				meters {
					serialNumber
				}
				agreements {
					validFrom
					validTo
					tariff {
						... on StandardTariff { tariffCode }
						... on DayNightTariff { tariffCode }
						... on ThreeRateTariff { tariffCode }
						... on HalfHourlyTariff { tariffCode }
						... on PrepayTariff { tariffCode }
					}
				}
			}
		}
	}
}`

type accountResult struct {
	Account *struct {
		Number     string  `json:"number"`
		Balance    float64 `json:"balance"`
		Properties []struct {
			ID                     string `json:"id"`
			Address                string `json:"address"`
			Postcode               string `json:"postcode"`
			ElectricityMeterPoints []struct {
				MPAN   string `json:"mpan"`
				Meters []struct {
					SerialNumber string `json:"serialNumber"`
				} `json:"meters"`
				Agreements []struct {
					ValidFrom *time.Time `json:"validFrom"`
					ValidTo   *time.Time `json:"validTo"`
					Tariff    struct {
						TariffCode string `json:"tariffCode"`
					} `json:"tariff"`
				} `json:"agreements"`
			} `json:"electricityMeterPoints"`
		} `json:"properties"`
	} `json:"account"`
}

func (r accountResult) toAccount() *types.Account {
	if r.Account == nil {
		return nil
	}
	a := &types.Account{
		Number:  r.Account.Number,
		Balance: r.Account.Balance,
	}
	for _, p := range r.Account.Properties {
		prop := types.Property{
			ID:       p.ID,
			Address:  p.Address,
			Postcode: p.Postcode,
		}
		for _, mp := range p.ElectricityMeterPoints {
			point := types.ElectricityMeterPoint{MPAN: mp.MPAN}
			for _, m := range mp.Meters {
				point.Meters = append(point.Meters, types.Meter{MPAN: mp.MPAN, SerialNumber: m.SerialNumber})
			}
			for _, ag := range mp.Agreements {
				agreement := types.Agreement{TariffCode: ag.Tariff.TariffCode}
				if ag.ValidFrom != nil {
					agreement.ValidFrom = *ag.ValidFrom
				}
				if ag.ValidTo != nil {
					agreement.ValidTo = *ag.ValidTo
				}
				point.Agreements = append(point.Agreements, agreement)
			}
			prop.ElectricityMeterPoints = append(prop.ElectricityMeterPoints, point)
		}
		a.Properties = append(a.Properties, prop)
	}
	return a
}

// AccountSource returns a single-page source of accounts. An unknown account
// yields an empty page.
func (c *Client) AccountSource() remote.Source[remote.AccountQuery, *types.Account] {
	return remote.SourceFunc[remote.AccountQuery, *types.Account](c.fetchAccount)
}

func (c *Client) fetchAccount(ctx context.Context, token *types.Token, q remote.AccountQuery, _ string) (types.PagedResult[*types.Account], error) {
	var res accountResult
	found, err := c.graphql(ctx, "fetch account", accountQuery, map[string]any{"accountNumber": q.AccountNumber}, token, &res)
	if err != nil {
		return types.PagedResult[*types.Account]{}, err
	}
	if a := res.toAccount(); found && a != nil {
		return types.PagedResult[*types.Account]{Items: []*types.Account{a}}, nil
	}
	return types.PagedResult[*types.Account]{}, nil
}

const productsQuery = `query energyProducts($postcode: String!, $first: Int!, $after: String) {
	energyProducts(postcode: $postcode, first: $first, after: $after) {
		pageInfo {
			hasNextPage
			endCursor
		}
		edges {
			node {
				code
				displayName
				fullName
				description
				term
				isVariable
				isGreen
				isPrepay
				availableFrom
				availableTo
				brand
			}
		}
	}
}`

type productsResult struct {
	EnergyProducts struct {
		PageInfo struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
		Edges []struct {
			Node struct {
				Code          string     `json:"code"`
				DisplayName   string     `json:"displayName"`
				FullName      string     `json:"fullName"`
				Description   string     `json:"description"`
				Term          *int       `json:"term"`
				IsVariable    bool       `json:"isVariable"`
				IsGreen       bool       `json:"isGreen"`
				IsPrepay      bool       `json:"isPrepay"`
				AvailableFrom *time.Time `json:"availableFrom"`
				AvailableTo   *time.Time `json:"availableTo"`
				Brand         string     `json:"brand"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"energyProducts"`
}

// ProductSource returns a paginated source of the products available at a
// postcode. Listing products doesn't need a token.
func (c *Client) ProductSource() remote.Source[remote.ProductQuery, types.ProductSummary] {
	return remote.SourceFunc[remote.ProductQuery, types.ProductSummary](c.fetchProducts)
}

func (c *Client) fetchProducts(ctx context.Context, token *types.Token, q remote.ProductQuery, cursor string) (types.PagedResult[types.ProductSummary], error) {
	vars := map[string]any{
		"postcode": q.Postcode,
		"first":    c.productPage,
	}
	if cursor != "" {
		vars["after"] = cursor
	}

	var res productsResult
	found, err := c.graphql(ctx, "fetch products", productsQuery, vars, token, &res)
	if err != nil || !found {
		return types.PagedResult[types.ProductSummary]{}, err
	}

	page := types.PagedResult[types.ProductSummary]{
		Items: make([]types.ProductSummary, 0, len(res.EnergyProducts.Edges)),
	}
	for _, e := range res.EnergyProducts.Edges {
		n := e.Node
		p := types.ProductSummary{
			Code:        n.Code,
			DisplayName: n.DisplayName,
			FullName:    n.FullName,
			Description: n.Description,
			Brand:       n.Brand,
			IsVariable:  n.IsVariable,
			IsGreen:     n.IsGreen,
			IsPrepay:    n.IsPrepay,
		}
		if n.Term != nil {
			p.Term = *n.Term
		}
		if n.AvailableFrom != nil {
			p.AvailableFrom = *n.AvailableFrom
		}
		if n.AvailableTo != nil {
			p.AvailableTo = *n.AvailableTo
		}
		page.Items = append(page.Items, p)
	}
	if res.EnergyProducts.PageInfo.HasNextPage {
		page.Cursor = res.EnergyProducts.PageInfo.EndCursor
	}
	return page, nil
}
