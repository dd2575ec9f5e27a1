package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raterudder/octosync/pkg/apierr"
	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/types"
)

// parsePeriod reads the from and to query parameters as RFC3339 timestamps.
// Both are required since the repository only resolves bounded periods.
func (s *Server) parsePeriod(r *http.Request) (types.Period, error) {
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")
	if fromStr == "" || toStr == "" {
		return types.Period{}, fmt.Errorf("from and to are required")
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return types.Period{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return types.Period{}, fmt.Errorf("invalid to: %w", err)
	}

	p := types.Period{From: from, To: to}
	if err := p.Validate(); err != nil {
		return types.Period{}, err
	}
	if s.maxRange > 0 && to.Sub(from) > s.maxRange {
		return types.Period{}, fmt.Errorf("period cannot exceed %s", s.maxRange)
	}
	return p, nil
}

// setPeriodCacheControl lets the UI cache responses for periods that are
// entirely in the past. Anything touching today can still change.
func (s *Server) setPeriodCacheControl(w http.ResponseWriter, p types.Period) {
	now := s.clock.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !p.To.After(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	number := strings.TrimSpace(r.URL.Query().Get("account"))
	if number == "" && s.creds != nil {
		n, err := s.creds.AccountNumber(ctx)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to load account number", slog.Any("error", err))
			writeJSONError(w, "failed to load account number", apierr.KindStorage, 0, http.StatusInternalServerError)
			return
		}
		number = n
	}
	if number == "" {
		writeJSONError(w, "account is required", apierr.KindPrecondition, 0, http.StatusBadRequest)
		return
	}

	account, err := s.repo.GetAccount(ctx, number)
	if err != nil {
		writeRepoError(ctx, w, "failed to get account", err)
		return
	}
	if account == nil {
		writeJSONError(w, "account not found", apierr.KindUnknown, 0, http.StatusNotFound)
		return
	}

	w.Header().Set("Cache-Control", "private, no-cache")
	writeJSON(w, account)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	postcode := r.URL.Query().Get("postcode")
	products, err := s.repo.GetProducts(ctx, postcode)
	if err != nil {
		writeRepoError(ctx, w, "failed to get products", err)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=3600")
	writeJSON(w, products)
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, err := s.parsePeriod(r)
	if err != nil {
		writeJSONError(w, err.Error(), apierr.KindPrecondition, 0, http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	rates, err := s.repo.GetStandardUnitRates(ctx, q.Get("product"), q.Get("tariff"), p)
	if err != nil {
		writeRepoError(ctx, w, "failed to get rates", err)
		return
	}

	s.setPeriodCacheControl(w, p)
	writeJSON(w, rates)
}

func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, err := s.parsePeriod(r)
	if err != nil {
		writeJSONError(w, err.Error(), apierr.KindPrecondition, 0, http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	meter := types.Meter{
		MPAN:         strings.TrimSpace(q.Get("mpan")),
		SerialNumber: strings.TrimSpace(q.Get("serial")),
	}
	if meter.MPAN == "" || meter.SerialNumber == "" {
		writeJSONError(w, "mpan and serial are required", apierr.KindPrecondition, 0, http.StatusBadRequest)
		return
	}
	groupBy := types.GroupBy(q.Get("group_by"))
	if groupBy == "half_hour" {
		groupBy = types.GroupByHalfHour
	}

	consumption, err := s.repo.GetConsumption(ctx, meter, p, groupBy)
	if err != nil {
		writeRepoError(ctx, w, "failed to get consumption", err)
		return
	}

	s.setPeriodCacheControl(w, p)
	writeJSON(w, consumption)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.repo.ClearCache(ctx); err != nil {
		writeRepoError(ctx, w, "failed to clear cache", err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "cache cleared")
	w.WriteHeader(http.StatusNoContent)
}
