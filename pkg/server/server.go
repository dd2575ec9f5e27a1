package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/jonboulle/clockwork"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/octosync/pkg/apierr"
	"github.com/raterudder/octosync/pkg/credentials"
	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/types"
)

// Repository is the data layer the API serves.
type Repository interface {
	GetAccount(ctx context.Context, accountNumber string) (*types.Account, error)
	GetProducts(ctx context.Context, postcode string) ([]types.ProductSummary, error)
	GetStandardUnitRates(ctx context.Context, productCode, tariffCode string, period types.Period) ([]types.Rate, error)
	GetConsumption(ctx context.Context, meter types.Meter, period types.Period, groupBy types.GroupBy) ([]types.Consumption, error)
	ClearCache(ctx context.Context) error
}

// Server exposes the repository as a JSON HTTP API for a UI process.
type Server struct {
	repo  Repository
	creds credentials.Provider

	listenAddr string
	httpServer *http.Server
	serverName string
	maxRange   time.Duration
	clock      clockwork.Clock
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(repo Repository, creds credentials.Provider) *Server {
	srv := &Server{
		repo:       repo,
		creds:      creds,
		serverName: "octosync",
		clock:      clockwork.NewRealClock(),
	}

	// get the port from PORT when running in a container
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	maxRange := lflag.Duration("max-request-range", 366*24*time.Hour, "Longest period a single rates or consumption request may cover")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.maxRange = *maxRange
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /api/products", s.handleProducts)
	mux.HandleFunc("GET /api/rates", s.handleRates)
	mux.HandleFunc("GET /api/consumption", s.handleConsumption)
	mux.HandleFunc("POST /api/cache/clear", s.handleClearCache)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.headersMiddleware(requestIDMiddleware(mux))))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  15 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func writeJSONError(w http.ResponseWriter, msg string, kind apierr.Kind, remoteStatus, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Error:      msg,
		Kind:       kind.String(),
		StatusCode: remoteStatus,
	}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// writeRepoError maps a repository failure to a response. A canceled request
// gets no response since the client is gone.
func writeRepoError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if apierr.IsCanceled(err) {
		log.Ctx(ctx).DebugContext(ctx, "request canceled", slog.String("msg", msg))
		return
	}

	kind := apierr.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case apierr.KindPrecondition:
		code = http.StatusBadRequest
	case apierr.KindTransport, apierr.KindServer:
		code = http.StatusBadGateway
	}
	if code >= 500 {
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.String("kind", kind.String()), slog.Any("error", err))
	} else {
		log.Ctx(ctx).WarnContext(ctx, msg, slog.String("kind", kind.String()), slog.Any("error", err))
	}
	writeJSONError(w, msg+": "+err.Error(), kind, apierr.StatusCode(err), code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME-sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")
		// the API is only consumed by a local UI process
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags the request context and logger with a request id
// and echoes it back.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithRequestID(r.Context())
		w.Header().Set("X-Request-Id", log.RequestID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
