package types

import "time"

// Account is a snapshot of an energy account and the supply points on it.
type Account struct {
	Number     string     `json:"number"`
	Balance    float64    `json:"balance"`
	Properties []Property `json:"properties"`
}

// Property is a supply address on an account.
type Property struct {
	ID                     string                  `json:"id"`
	Address                string                  `json:"address"`
	Postcode               string                  `json:"postcode"`
	ElectricityMeterPoints []ElectricityMeterPoint `json:"electricityMeterPoints"`
}

// ElectricityMeterPoint is a single MPAN and the meters and tariff agreements
// attached to it.
type ElectricityMeterPoint struct {
	MPAN       string      `json:"mpan"`
	Meters     []Meter     `json:"meters"`
	Agreements []Agreement `json:"agreements"`
}

// Meter identifies a physical meter on an MPAN. Consumption is read per meter.
type Meter struct {
	MPAN         string `json:"mpan"`
	SerialNumber string `json:"serialNumber"`
}

// Agreement is a tariff that applied to a meter point for a period of time.
// A zero ValidTo means the agreement is open-ended.
type Agreement struct {
	TariffCode string    `json:"tariffCode"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidTo    time.Time `json:"validTo,omitempty"`
}

// Contains checks if the agreement was in force at t.
func (a Agreement) Contains(t time.Time) bool {
	if t.Before(a.ValidFrom) {
		return false
	}
	return a.ValidTo.IsZero() || t.Before(a.ValidTo)
}

// ActiveAgreement returns the agreement on the given MPAN that was in force at
// t. The bool is false when no agreement matches.
func (a *Account) ActiveAgreement(mpan string, t time.Time) (Agreement, bool) {
	for _, p := range a.Properties {
		for _, mp := range p.ElectricityMeterPoints {
			if mp.MPAN != mpan {
				continue
			}
			for _, ag := range mp.Agreements {
				if ag.Contains(t) {
					return ag, true
				}
			}
		}
	}
	return Agreement{}, false
}

// ProductSummary describes a tariff product available at a postcode.
type ProductSummary struct {
	Code          string    `json:"code"`
	DisplayName   string    `json:"displayName"`
	FullName      string    `json:"fullName"`
	Description   string    `json:"description"`
	Brand         string    `json:"brand"`
	Term          int       `json:"term,omitempty"`
	IsVariable    bool      `json:"isVariable"`
	IsGreen       bool      `json:"isGreen"`
	IsPrepay      bool      `json:"isPrepay"`
	AvailableFrom time.Time `json:"availableFrom"`
	AvailableTo   time.Time `json:"availableTo,omitempty"`
}
