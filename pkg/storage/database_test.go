package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/octosync/pkg/types"
)

var (
	_ Database = (*SQLiteDatabase)(nil)
	_ Database = (*FirestoreDatabase)(nil)
)

// testDatabase exercises the behavior every Database must share.
func testDatabase(t *testing.T, db Database) {
	ctx := context.Background()
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	tariff := "E-1R-AGILE-24-04-03-C"
	meter := types.Meter{MPAN: "1200000000001", SerialNumber: "21L0000001"}

	halfHour := func(i int) (time.Time, time.Time) {
		start := day.Add(time.Duration(i) * 30 * time.Minute)
		return start, start.Add(30 * time.Minute)
	}

	t.Run("Rates", func(t *testing.T) {
		var rates []types.Rate
		for i := 44; i < 48; i++ {
			start, end := halfHour(i)
			rates = append(rates, types.Rate{TariffCode: tariff, ValidFrom: start, ValidTo: end, ValueExcVAT: float64(i), ValueIncVAT: float64(i) * 1.05})
		}
		// stored out of order on purpose
		require.NoError(t, db.UpsertRates(ctx, []types.Rate{rates[2], rates[0], rates[3], rates[1]}))

		got, err := db.GetRates(ctx, tariff, types.Period{From: day.Add(22 * time.Hour), To: day.Add(24 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, got, 4)
		for i := range got {
			assert.True(t, rates[i].ValidFrom.Equal(got[i].ValidFrom))
			assert.True(t, rates[i].ValidTo.Equal(got[i].ValidTo))
			assert.Equal(t, rates[i].ValueExcVAT, got[i].ValueExcVAT)
			assert.Equal(t, tariff, got[i].TariffCode)
		}

		// partial overlap only returns the overlapping records
		got, err = db.GetRates(ctx, tariff, types.Period{From: day.Add(22*time.Hour + 45*time.Minute), To: day.Add(23*time.Hour + 15*time.Minute)})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 45.0, got[0].ValueExcVAT)
		assert.Equal(t, 46.0, got[1].ValueExcVAT)

		// other tariffs are separate series
		got, err = db.GetRates(ctx, "E-1R-VAR-22-11-01-C", types.Period{From: day, To: day.Add(48 * time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("RatesUpsertDedups", func(t *testing.T) {
		start, end := halfHour(44)
		require.NoError(t, db.UpsertRates(ctx, []types.Rate{{TariffCode: tariff, ValidFrom: start, ValidTo: end, ValueExcVAT: 99}}))

		got, err := db.GetRates(ctx, tariff, types.Period{From: start, To: end})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 99.0, got[0].ValueExcVAT)
	})

	t.Run("RatesPerPaymentMethod", func(t *testing.T) {
		variable := "E-1R-VAR-22-11-01-C"
		start, end := halfHour(20)
		require.NoError(t, db.UpsertRates(ctx, []types.Rate{
			{TariffCode: variable, ValidFrom: start, ValidTo: end, ValueIncVAT: 25.9, PaymentMethod: "NON_DIRECT_DEBIT"},
			{TariffCode: variable, ValidFrom: start, ValidTo: end, ValueIncVAT: 24.5, PaymentMethod: "DIRECT_DEBIT"},
		}))

		got, err := db.GetRates(ctx, variable, types.Period{From: start, To: end})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "DIRECT_DEBIT", got[0].PaymentMethod)
		assert.Equal(t, 24.5, got[0].ValueIncVAT)
		assert.Equal(t, "NON_DIRECT_DEBIT", got[1].PaymentMethod)
		assert.Equal(t, 25.9, got[1].ValueIncVAT)

		// still one row per payment method on a second write
		require.NoError(t, db.UpsertRates(ctx, []types.Rate{
			{TariffCode: variable, ValidFrom: start, ValidTo: end, ValueIncVAT: 24.0, PaymentMethod: "DIRECT_DEBIT"},
		}))
		got, err = db.GetRates(ctx, variable, types.Period{From: start, To: end})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 24.0, got[0].ValueIncVAT)
		assert.Equal(t, 25.9, got[1].ValueIncVAT)
	})

	t.Run("OpenEndedRate", func(t *testing.T) {
		fixed := "E-1R-FIX-12M-24-05-01-C"
		require.NoError(t, db.UpsertRates(ctx, []types.Rate{{TariffCode: fixed, ValidFrom: day, ValueExcVAT: 24.5}}))

		got, err := db.GetRates(ctx, fixed, types.Period{From: day.AddDate(1, 0, 0), To: day.AddDate(1, 0, 1)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].ValidTo.IsZero())

		got, err = db.GetRates(ctx, fixed, types.Period{From: day.AddDate(0, 0, -1), To: day})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Consumption", func(t *testing.T) {
		var readings []types.Consumption
		for i := 45; i < 48; i++ {
			start, end := halfHour(i)
			readings = append(readings, types.Consumption{MPAN: meter.MPAN, MeterSerial: meter.SerialNumber, IntervalStart: start, IntervalEnd: end, KWh: 0.25})
		}
		daily := types.Consumption{MPAN: meter.MPAN, MeterSerial: meter.SerialNumber, GroupBy: types.GroupByDay, IntervalStart: day, IntervalEnd: day.Add(24 * time.Hour), KWh: 9}
		require.NoError(t, db.UpsertConsumption(ctx, append(readings, daily)))

		period := types.Period{From: day.Add(22*time.Hour + 30*time.Minute), To: day.Add(24 * time.Hour)}
		got, err := db.GetConsumption(ctx, types.ConsumptionSeriesKey(meter, types.GroupByHalfHour), period)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := range got {
			assert.True(t, readings[i].IntervalStart.Equal(got[i].IntervalStart))
			assert.Equal(t, types.GroupByHalfHour, got[i].GroupBy)
			assert.Equal(t, meter.SerialNumber, got[i].MeterSerial)
		}

		got, err = db.GetConsumption(ctx, types.ConsumptionSeriesKey(meter, types.GroupByDay), period)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 9.0, got[0].KWh)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, db.Clear(ctx))

		rates, err := db.GetRates(ctx, tariff, types.Period{From: day, To: day.Add(48 * time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, rates)

		readings, err := db.GetConsumption(ctx, types.ConsumptionSeriesKey(meter, types.GroupByHalfHour), types.Period{From: day, To: day.Add(48 * time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, readings)
	})
}
