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

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metget/metget-server/pkg/buildspec"
	"github.com/metget/metget-server/pkg/bus"
	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/credits"
	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/metrics"
	"github.com/metget/metget-server/pkg/output"
	"github.com/metget/metget-server/pkg/requests"
	"github.com/metget/metget-server/pkg/sources"
)

type buildResponse struct {
	RequestID   string   `json:"request_id"`
	RequestURLs []string `json:"request_urls"`
	CreditCost  float64  `json:"credit_cost"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r.Context())

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	spec, err := buildspec.Parse(raw)
	if err != nil {
		metrics.RequestsRejected.WithLabelValues("validation").Inc()
		writeError(w, statusFor(err), err.Error())
		return
	}
	// Reject formats with no encoder before any work is queued.
	if _, err := output.For(spec.Format); err != nil {
		metrics.RequestsRejected.WithLabelValues("validation").Inc()
		writeError(w, statusFor(err), err.Error())
		return
	}
	for _, d := range spec.Domains {
		if !key.Allows(d.Service) {
			metrics.RequestsRejected.WithLabelValues("permission").Inc()
			writeError(w, http.StatusForbidden, fmt.Sprintf("api key for %s is not permitted to request %s", key.Username, d.Service))
			return
		}
	}

	// A replay inside the dedup window answers with the original request
	// rather than accepting a duplicate.
	idempotencyKey := r.Header.Get("x-idempotency-key")
	if idempotencyKey != "" {
		prior, err := s.requests.FindByIdempotencyKey(r.Context(), key.Key, idempotencyKey, idempotencyWindow)
		if err != nil {
			s.internalError(w, "finding prior request", err)
			return
		}
		if prior != nil {
			s.replayBuild(w, r, prior)
			return
		}
	}

	cost := spec.CreditCost()
	if err := s.ledger.Authorize(r.Context(), key, cost); err != nil {
		if errors.IsCreditDenied(err) {
			metrics.RequestsRejected.WithLabelValues("credit").Inc()
			writeError(w, http.StatusPaymentRequired, err.Error())
			return
		}
		s.internalError(w, "authorizing credits", err)
		return
	}

	if spec.DryRun {
		writeJSON(w, http.StatusOK, "dry run accepted", buildResponse{
			CreditCost: credits.Scale(cost),
			DryRun:     true,
		})
		return
	}

	requestID := uuid.NewString()
	canonical, err := json.Marshal(spec)
	if err != nil {
		s.internalError(w, "canonicalizing request", err)
		return
	}
	// The row carries the debit from the moment it exists, so later
	// requests see it in the window whether or not a worker claimed it yet.
	if err := s.requests.Insert(r.Context(), requests.Request{
		RequestID:      requestID,
		APIKey:         key.Key,
		SourceIP:       r.RemoteAddr,
		IdempotencyKey: idempotencyKey,
		CreditUsage:    cost,
		Input:          canonical,
		Message:        "accepted",
	}); err != nil {
		s.internalError(w, "persisting request", err)
		return
	}
	if err := s.queue.Publish(r.Context(), bus.Envelope{
		RequestID:   requestID,
		APIKey:      key.Key,
		SubmittedAt: s.clock.Now().UTC(),
		Spec:        canonical,
	}); err != nil {
		// The row stays queued; a stale queued row is harmless and
		// diagnosable, a published envelope without a row is not.
		s.internalError(w, "publishing request", err)
		return
	}

	urls, err := s.presignOutputs(r, spec, requestID)
	if err != nil {
		s.internalError(w, "presigning outputs", err)
		return
	}
	metrics.RequestsAccepted.Inc()
	writeJSON(w, http.StatusOK, "request accepted", buildResponse{
		RequestID:   requestID,
		RequestURLs: urls,
		CreditCost:  credits.Scale(cost),
	})
}

// idempotencyWindow bounds how far back a replayed x-idempotency-key is
// matched against prior requests.
const idempotencyWindow = 24 * time.Hour

func (s *Server) replayBuild(w http.ResponseWriter, r *http.Request, prior *requests.Request) {
	spec, err := buildspec.Parse(prior.Input)
	if err != nil {
		s.internalError(w, "reparsing prior request", err)
		return
	}
	urls, err := s.presignOutputs(r, spec, prior.RequestID)
	if err != nil {
		s.internalError(w, "presigning outputs", err)
		return
	}
	writeJSON(w, http.StatusOK, "request already accepted", buildResponse{
		RequestID:   prior.RequestID,
		RequestURLs: urls,
		CreditCost:  credits.Scale(prior.CreditUsage),
	})
}

func (s *Server) presignOutputs(r *http.Request, spec *buildspec.Spec, requestID string) ([]string, error) {
	var urls []string
	for _, key := range spec.OutputKeys(requestID) {
		url, err := s.uploads.Presign(r.Context(), key, s.presignTTL)
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

type checkRequest struct {
	Request string `json:"request"`
}

type checkResponse struct {
	RequestID   string          `json:"request_id"`
	Status      string          `json:"status"`
	Try         int             `json:"try"`
	Message     string          `json:"message"`
	StartDate   time.Time       `json:"start_date"`
	LastDate    time.Time       `json:"last_date"`
	CreditsUsed float64         `json:"credits_used"`
	Input       json.RawMessage `json:"input_data"`
	OutputURLs  []string        `json:"output_urls,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Request == "" {
		writeError(w, http.StatusBadRequest, "body must carry a request id")
		return
	}
	row, err := s.requests.Get(r.Context(), req.Request)
	if err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internalError(w, "reading request", err)
		return
	}

	resp := checkResponse{
		RequestID:   row.RequestID,
		Status:      string(row.Status),
		Try:         row.Try,
		Message:     row.Message,
		StartDate:   row.StartDate,
		LastDate:    row.LastDate,
		CreditsUsed: credits.Scale(row.CreditUsage),
		Input:       row.Input,
	}
	if row.Status == requests.StatusCompleted {
		if spec, err := buildspec.Parse(row.Input); err == nil {
			for _, key := range spec.OutputKeys(row.RequestID) {
				url, err := s.uploads.Presign(r.Context(), key, s.presignTTL)
				if err != nil {
					s.internalError(w, "presigning outputs", err)
					return
				}
				resp.OutputURLs = append(resp.OutputURLs, url)
			}
		}
	}
	writeJSON(w, http.StatusOK, "ok", resp)
}

type familyStatus struct {
	Service      string      `json:"service"`
	OldestCycle  *time.Time  `json:"oldest_cycle,omitempty"`
	LatestCycle  *time.Time  `json:"latest_cycle,omitempty"`
	CycleCount   int         `json:"cycle_count"`
	RecentCycles []time.Time `json:"recent_cycles"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	const recent = 10
	statuses := make([]familyStatus, 0)
	for _, svc := range sources.GriddedServices() {
		fs := familyStatus{Service: string(svc)}
		oldest, newest, ok, err := s.catalog.CycleRange(r.Context(), svc)
		if err != nil {
			s.internalError(w, "reading cycle range", err)
			return
		}
		if ok {
			fs.OldestCycle, fs.LatestCycle = &oldest, &newest
			cycles, err := s.catalog.Cycles(r.Context(), svc, catalog.Constraints{})
			if err != nil {
				s.internalError(w, "listing cycles", err)
				return
			}
			fs.CycleCount = len(cycles)
			if len(cycles) > recent {
				cycles = cycles[:recent]
			}
			fs.RecentCycles = cycles
		}
		statuses = append(statuses, fs)
	}
	writeJSON(w, http.StatusOK, "ok", statuses)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.BalanceFor(r.Context(), keyFrom(r.Context()))
	if err != nil {
		s.internalError(w, "reading credit balance", err)
		return
	}
	writeJSON(w, http.StatusOK, "ok", balance)
}

func (s *Server) internalError(w http.ResponseWriter, doing string, err error) {
	s.log.Error(doing, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
