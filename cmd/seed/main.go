package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/storage"
	"github.com/raterudder/octosync/pkg/types"
)

func main() {
	// never seed a real firestore project by accident
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	tariffCode := lflag.String("seed-tariff", "E-1R-AGILE-24-04-03-C", "Tariff code to seed demo rates for")
	mpan := lflag.String("seed-mpan", "1200000000001", "MPAN to seed demo consumption for")
	serial := lflag.String("seed-serial", "21L0000001", "Meter serial to seed demo consumption for")
	days := lflag.Int("seed-days", 7, "Number of days before today to seed")
	lflag.Configure()

	ctx := context.Background()
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	log.Ctx(ctx).InfoContext(ctx, "seeding demo data")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -*days)

	const (
		VATMultiplier = 1.05
		BaseLoadKWH   = 0.12
		PeakLoadKWH   = 0.9
	)

	var (
		rates       []types.Rate
		consumption []types.Consumption
		daily       = map[time.Time]float64{}
	)
	for t := start; t.Before(end); t = t.Add(30 * time.Minute) {
		hour := float64(t.Hour()) + float64(t.Minute())/60

		// overnight cheap, 16:00-19:00 peak
		price := 18.0
		switch {
		case hour < 5:
			price = 8.0
		case hour >= 16 && hour < 19:
			price = 32.0
		}
		// Jitter
		price += rng.Float64()*4 - 2
		rates = append(rates, types.Rate{
			TariffCode:  *tariffCode,
			ValidFrom:   t,
			ValidTo:     t.Add(30 * time.Minute),
			ValueExcVAT: math.Round(price*100) / 100,
			ValueIncVAT: math.Round(price*VATMultiplier*100) / 100,
		})

		// evening bump on top of a base load
		dist := math.Abs(hour - 18.5)
		kwh := BaseLoadKWH + PeakLoadKWH*math.Exp(-(dist*dist)/4) + rng.Float64()*0.05
		kwh = math.Round(kwh*1000) / 1000
		consumption = append(consumption, types.Consumption{
			MPAN:          *mpan,
			MeterSerial:   *serial,
			GroupBy:       types.GroupByHalfHour,
			IntervalStart: t,
			IntervalEnd:   t.Add(30 * time.Minute),
			KWh:           kwh,
		})

		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		daily[day] += kwh
	}

	for day, kwh := range daily {
		consumption = append(consumption, types.Consumption{
			MPAN:          *mpan,
			MeterSerial:   *serial,
			GroupBy:       types.GroupByDay,
			IntervalStart: day,
			IntervalEnd:   day.AddDate(0, 0, 1),
			KWh:           math.Round(kwh*1000) / 1000,
		})
	}

	if err := s.UpsertRates(ctx, rates); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed rates", "error", err)
		os.Exit(1)
	}
	if err := s.UpsertConsumption(ctx, consumption); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed consumption", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded %d rates and %d consumption readings from %s to %s\n",
		len(rates), len(consumption), start.Format(time.DateOnly), end.Format(time.DateOnly))

	log.Ctx(ctx).InfoContext(ctx, "seeded demo data successfully")
}
