// Package server wires the query engine behind a small chi HTTP API.
// It is deployment glue: every semantic lives in the query and store
// packages.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sllopis/geoquery/doccodec"
	"github.com/sllopis/geoquery/internal/config"
	"github.com/sllopis/geoquery/internal/logger"
	"github.com/sllopis/geoquery/query"
	"github.com/sllopis/geoquery/store"
)

// NewRouter assembles the HTTP API. Split from Run so tests can drive
// it through httptest.
func NewRouter(cfg config.Config, zl zerolog.Logger, st store.Store, eng *query.Engine, metrics http.Handler) http.Handler {
	api := &api{
		st:        st,
		eng:       eng,
		codec:     doccodec.Codec{LocationKey: cfg.LocationKey},
		log:       zl,
		opTimeout: cfg.StoreOpTimeout,
	}

	r := chi.NewRouter()
	r.Use(recoverer(zl))
	r.Use(requestLogger(zl))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/collections/{collection}", func(r chi.Router) {
		r.Put("/documents/{id}", api.putDocument)
		r.Delete("/documents/{id}", api.deleteDocument)
		r.Get("/query", api.runQuery)
	})
	return r
}

func Run(ctx context.Context, cfg config.Config, zl zerolog.Logger, st store.Store, eng *query.Engine, metrics http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, zl, st, eng, metrics),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", cfg.Addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func recoverer(zl zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					zl.Error().Any("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(zl zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logger.WithRequestID(r.Context(), r.Header.Get("X-Request-Id"))
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.FromContext(ctx, &zl).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
