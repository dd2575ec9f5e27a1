package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/types"
)

// SQLiteDatabase implements Database on a local SQLite file. Times are stored
// as unix seconds and an open-ended record has a NULL end.
type SQLiteDatabase struct {
	path string
	db   *sql.DB
}

func configuredSQLite() *SQLiteDatabase {
	path := lflag.String("sqlite-path", "octosync.db", "Path to the SQLite database file")

	s := &SQLiteDatabase{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLiteDatabase opens (and migrates) the database at path.
func NewSQLiteDatabase(ctx context.Context, path string) (*SQLiteDatabase, error) {
	s := &SQLiteDatabase{path: path}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the provider is properly configured.
func (s *SQLiteDatabase) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and creates the tables.
func (s *SQLiteDatabase) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("failed to open sqlite database (path=%s): %w", s.path, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	s.db = db
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if err := dropRatesWithoutPaymentKey(ctx, db); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rates (
			tariff_code TEXT NOT NULL,
			valid_from INTEGER NOT NULL,
			valid_to INTEGER,
			value_exc_vat REAL NOT NULL,
			value_inc_vat REAL NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tariff_code, valid_from, payment_method)
		)`,
		`CREATE TABLE IF NOT EXISTS consumption (
			series_key TEXT NOT NULL,
			mpan TEXT NOT NULL,
			meter_serial TEXT NOT NULL,
			group_by TEXT NOT NULL DEFAULT '',
			interval_start INTEGER NOT NULL,
			interval_end INTEGER NOT NULL,
			kwh REAL NOT NULL,
			PRIMARY KEY (series_key, interval_start)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// dropRatesWithoutPaymentKey drops a rates table created before payment_method
// was part of its primary key. Those rows lost one payment method per interval
// and are refetched on the next read.
func dropRatesWithoutPaymentKey(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name, pk FROM pragma_table_info('rates')`)
	if err != nil {
		return fmt.Errorf("failed to read rates schema: %w", err)
	}
	defer rows.Close()

	var exists, keyed bool
	for rows.Next() {
		var name string
		var pk int
		if err := rows.Scan(&name, &pk); err != nil {
			return fmt.Errorf("failed to scan rates schema: %w", err)
		}
		exists = true
		if name == "payment_method" && pk > 0 {
			keyed = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rates schema: %w", err)
	}
	rows.Close()

	if !exists || keyed {
		return nil
	}
	log.Ctx(ctx).WarnContext(ctx, "dropping rates table with outdated primary key")
	if _, err := db.ExecContext(ctx, `DROP TABLE rates`); err != nil {
		return fmt.Errorf("failed to drop outdated rates table: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetRates returns the rates of a tariff overlapping period.
func (s *SQLiteDatabase) GetRates(ctx context.Context, tariffCode string, period types.Period) ([]types.Rate, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT valid_from, valid_to, value_exc_vat, value_inc_vat, payment_method
		FROM rates
		WHERE tariff_code = ? AND valid_from < ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY valid_from, payment_method`,
		tariffCode, period.To.Unix(), period.From.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rates: %w", err)
	}
	defer rows.Close()

	var rates []types.Rate
	for rows.Next() {
		r := types.Rate{TariffCode: tariffCode}
		var from int64
		var to sql.NullInt64
		if err := rows.Scan(&from, &to, &r.ValueExcVAT, &r.ValueIncVAT, &r.PaymentMethod); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		r.ValidFrom = fromUnix(from)
		if to.Valid {
			r.ValidTo = fromUnix(to.Int64)
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rates: %w", err)
	}
	return rates, nil
}

// UpsertRates inserts or replaces rates in a single transaction.
func (s *SQLiteDatabase) UpsertRates(ctx context.Context, rates []types.Rate) error {
	if len(rates) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(
			ctx,
			`INSERT INTO rates (tariff_code, valid_from, valid_to, value_exc_vat, value_inc_vat, payment_method)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (tariff_code, valid_from, payment_method) DO UPDATE SET
				valid_to = excluded.valid_to,
				value_exc_vat = excluded.value_exc_vat,
				value_inc_vat = excluded.value_inc_vat`,
		)
		if err != nil {
			return fmt.Errorf("failed to prepare rate upsert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rates {
			if r.TariffCode == "" || r.ValidFrom.IsZero() {
				return fmt.Errorf("rate missing tariff code or start")
			}
			if _, err := stmt.ExecContext(ctx, r.TariffCode, r.ValidFrom.Unix(), nullableUnix(r.ValidTo), r.ValueExcVAT, r.ValueIncVAT, r.PaymentMethod); err != nil {
				return fmt.Errorf("failed to upsert rate (tariff=%s, start=%s): %w", r.TariffCode, r.ValidFrom.Format(time.RFC3339), err)
			}
		}
		return nil
	})
}

// GetConsumption returns the readings of a series overlapping period.
func (s *SQLiteDatabase) GetConsumption(ctx context.Context, seriesKey string, period types.Period) ([]types.Consumption, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT mpan, meter_serial, group_by, interval_start, interval_end, kwh
		FROM consumption
		WHERE series_key = ? AND interval_start < ? AND interval_end > ?
		ORDER BY interval_start`,
		seriesKey, period.To.Unix(), period.From.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumption: %w", err)
	}
	defer rows.Close()

	var readings []types.Consumption
	for rows.Next() {
		var (
			c          types.Consumption
			groupBy    string
			start, end int64
		)
		if err := rows.Scan(&c.MPAN, &c.MeterSerial, &groupBy, &start, &end, &c.KWh); err != nil {
			return nil, fmt.Errorf("failed to scan consumption: %w", err)
		}
		c.GroupBy = types.GroupBy(groupBy)
		c.IntervalStart = fromUnix(start)
		c.IntervalEnd = fromUnix(end)
		readings = append(readings, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consumption: %w", err)
	}
	return readings, nil
}

// UpsertConsumption inserts or replaces readings in a single transaction.
func (s *SQLiteDatabase) UpsertConsumption(ctx context.Context, readings []types.Consumption) error {
	if len(readings) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(
			ctx,
			`INSERT INTO consumption (series_key, mpan, meter_serial, group_by, interval_start, interval_end, kwh)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (series_key, interval_start) DO UPDATE SET
				interval_end = excluded.interval_end,
				kwh = excluded.kwh`,
		)
		if err != nil {
			return fmt.Errorf("failed to prepare consumption upsert: %w", err)
		}
		defer stmt.Close()

		for _, c := range readings {
			if !c.IntervalStart.Before(c.IntervalEnd) {
				return fmt.Errorf("consumption interval is empty (start=%s)", c.IntervalStart.Format(time.RFC3339))
			}
			if _, err := stmt.ExecContext(ctx, c.SeriesKey(), c.MPAN, c.MeterSerial, string(c.GroupBy), c.IntervalStart.Unix(), c.IntervalEnd.Unix(), c.KWh); err != nil {
				return fmt.Errorf("failed to upsert consumption (series=%s, start=%s): %w", c.SeriesKey(), c.IntervalStart.Format(time.RFC3339), err)
			}
		}
		return nil
	})
}

// Clear deletes every rate and reading.
func (s *SQLiteDatabase) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"rates", "consumption"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table)
			if err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			log.Ctx(ctx).DebugContext(ctx, "cleared table", slog.String("table", table), slog.Int64("rows", n))
		}
		return nil
	})
}

func (s *SQLiteDatabase) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
