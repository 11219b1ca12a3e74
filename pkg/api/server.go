/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api is the client-facing HTTP surface: request intake, status and
// credit reporting. Long work never happens here; an accepted build is
// published to the queue and the call returns.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/metget/metget-server/pkg/auth"
	"github.com/metget/metget-server/pkg/bus"
	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/credits"
	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/objectstore"
	"github.com/metget/metget-server/pkg/requests"
)

type Server struct {
	auth     auth.Authenticator
	ledger   *credits.Ledger
	requests requests.Store
	catalog  catalog.Store
	queue    bus.Bus
	uploads  objectstore.Store
	log      *zap.Logger
	clock    clock.Clock

	presignTTL     time.Duration
	ratePerSecond  int
	requestTimeout time.Duration
}

type Config struct {
	Auth     auth.Authenticator
	Ledger   *credits.Ledger
	Requests requests.Store
	Catalog  catalog.Store
	Queue    bus.Bus
	Uploads  objectstore.Store
	Log      *zap.Logger
	Clock    clock.Clock

	PresignTTL     time.Duration
	RatePerSecond  int
	RequestTimeout time.Duration
}

func NewServer(c Config) *Server {
	return &Server{
		auth:           c.Auth,
		ledger:         c.Ledger,
		requests:       c.Requests,
		catalog:        c.Catalog,
		queue:          c.Queue,
		uploads:        c.Uploads,
		log:            c.Log,
		clock:          c.Clock,
		presignTTL:     c.PresignTTL,
		ratePerSecond:  c.RatePerSecond,
		requestTimeout: c.RequestTimeout,
	}
}

// Router assembles the middleware stack and routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "x-api-key", "x-idempotency-key"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(s.ratePerSecond, time.Second,
			httprate.WithKeyFuncs(keyByAPIKey),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
		r.Use(s.authenticate)
		r.Get("/status", s.handleStatus)
		r.Get("/credits", s.handleCredits)
		r.Post("/build", s.handleBuild)
		r.Post("/check", s.handleCheck)
	})
	return r
}

func keyByAPIKey(r *http.Request) (string, error) {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key, nil
	}
	return httprate.KeyByIP(r)
}

type contextKey string

const keyContextKey contextKey = "apikey"

// authenticate resolves the x-api-key header and stashes the key record on
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := s.auth.Authenticate(r.Context(), r.Header.Get("x-api-key"))
		if err != nil {
			// Unknown keys answer 401; keys that exist but are disabled
			// or expired answer 403.
			if errors.IsAuth(err) || errors.IsForbidden(err) {
				writeError(w, statusFor(err), err.Error())
				return
			}
			s.log.Error("authenticating request", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyContextKey, key)))
	})
}

func keyFrom(ctx context.Context) *auth.Key {
	return ctx.Value(keyContextKey).(*auth.Key)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", s.clock.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

type apiResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Body       any    `json:"body,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{StatusCode: status, Message: message, Body: body})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, message, nil)
}

// statusFor maps an error kind to the HTTP status the client sees.
func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindAuth:
		return http.StatusUnauthorized
	case errors.KindForbidden:
		return http.StatusForbidden
	case errors.KindCreditDenied:
		return http.StatusPaymentRequired
	case errors.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
