package octopus

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/raterudder/octosync/pkg/remote"
	"github.com/raterudder/octosync/pkg/types"
)

// restPage is the envelope of every paginated REST list.
type restPage[T any] struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []T    `json:"results"`
}

type restRate struct {
	ValueExcVAT   float64    `json:"value_exc_vat"`
	ValueIncVAT   float64    `json:"value_inc_vat"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidTo       *time.Time `json:"valid_to"`
	PaymentMethod string     `json:"payment_method"`
}

type restConsumption struct {
	Consumption   float64   `json:"consumption"`
	IntervalStart time.Time `json:"interval_start"`
	IntervalEnd   time.Time `json:"interval_end"`
}

// RateSource returns a paginated source of standard unit rates. The cursor is
// the next page URL returned by the API.
func (c *Client) RateSource() remote.Source[remote.RateQuery, types.Rate] {
	return remote.SourceFunc[remote.RateQuery, types.Rate](c.fetchRates)
}

func (c *Client) fetchRates(ctx context.Context, token *types.Token, q remote.RateQuery, cursor string) (types.PagedResult[types.Rate], error) {
	u := cursor
	if u == "" {
		u = c.apiURL + "/products/" + url.PathEscape(q.ProductCode) +
			"/electricity-tariffs/" + url.PathEscape(q.TariffCode) + "/standard-unit-rates/?" +
			c.periodValues(q.Period).Encode()
	}

	var page restPage[restRate]
	found, err := c.get(ctx, "fetch rates", u, token, &page)
	if err != nil || !found {
		return types.PagedResult[types.Rate]{}, err
	}

	res := types.PagedResult[types.Rate]{
		Items:  make([]types.Rate, 0, len(page.Results)),
		Cursor: page.Next,
	}
	for _, r := range page.Results {
		rate := types.Rate{
			TariffCode:    q.TariffCode,
			ValidFrom:     r.ValidFrom.UTC(),
			ValueExcVAT:   r.ValueExcVAT,
			ValueIncVAT:   r.ValueIncVAT,
			PaymentMethod: r.PaymentMethod,
		}
		if r.ValidTo != nil {
			rate.ValidTo = r.ValidTo.UTC()
		}
		res.Items = append(res.Items, rate)
	}
	return res, nil
}

// ConsumptionSource returns a paginated source of meter readings.
func (c *Client) ConsumptionSource() remote.Source[remote.ConsumptionQuery, types.Consumption] {
	return remote.SourceFunc[remote.ConsumptionQuery, types.Consumption](c.fetchConsumption)
}

func (c *Client) fetchConsumption(ctx context.Context, token *types.Token, q remote.ConsumptionQuery, cursor string) (types.PagedResult[types.Consumption], error) {
	u := cursor
	if u == "" {
		v := c.periodValues(q.Period)
		v.Set("order_by", "period")
		if q.GroupBy != types.GroupByHalfHour {
			v.Set("group_by", string(q.GroupBy))
		}
		u = c.apiURL + "/electricity-meter-points/" + url.PathEscape(q.Meter.MPAN) +
			"/meters/" + url.PathEscape(q.Meter.SerialNumber) + "/consumption/?" + v.Encode()
	}

	var page restPage[restConsumption]
	found, err := c.get(ctx, "fetch consumption", u, token, &page)
	if err != nil || !found {
		return types.PagedResult[types.Consumption]{}, err
	}

	res := types.PagedResult[types.Consumption]{
		Items:  make([]types.Consumption, 0, len(page.Results)),
		Cursor: page.Next,
	}
	for _, r := range page.Results {
		res.Items = append(res.Items, types.Consumption{
			MPAN:          q.Meter.MPAN,
			MeterSerial:   q.Meter.SerialNumber,
			GroupBy:       q.GroupBy,
			IntervalStart: r.IntervalStart.UTC(),
			IntervalEnd:   r.IntervalEnd.UTC(),
			KWh:           r.Consumption,
		})
	}
	return res, nil
}

func (c *Client) periodValues(p types.Period) url.Values {
	v := url.Values{}
	v.Set("period_from", p.From.UTC().Format(time.RFC3339))
	v.Set("period_to", p.To.UTC().Format(time.RFC3339))
	v.Set("page_size", strconv.Itoa(c.pageSize))
	return v
}

