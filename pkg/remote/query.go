package remote

import "github.com/raterudder/octosync/pkg/types"

// RateQuery selects the standard unit rates of one tariff of a product.
type RateQuery struct {
	ProductCode string
	TariffCode  string
	Period      types.Period
}

// ConsumptionQuery selects the readings of one meter.
type ConsumptionQuery struct {
	Meter   types.Meter
	Period  types.Period
	GroupBy types.GroupBy
}

// AccountQuery selects an account by number.
type AccountQuery struct {
	AccountNumber string
}

// ProductQuery selects the products available at a postcode.
type ProductQuery struct {
	Postcode string
}
