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

package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/requests"
	"github.com/metget/metget-server/pkg/sources"
)

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Body       json.RawMessage `json:"body"`
}

func do(method, path, apiKey, body string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var e envelope
	if rec.Body.Len() > 0 {
		Expect(json.Unmarshal(rec.Body.Bytes(), &e)).To(Succeed())
	}
	return rec, e
}

func buildBody(extra string) string {
	return fmt.Sprintf(`{
		"creator": "api-suite", "start_date": "2024-01-01 00:00", "end_date": "2024-01-02 00:00",
		"time_step": 3600, "format": "owi-ascii", "filename": "wind"%s,
		"domains": [{"name": "gom", "service": "gfs-ncep", "level": 0,
			"x_init": -100, "y_init": 20, "x_end": -80, "y_end": 30, "di": 0.25, "dj": 0.25}]
	}`, extra)
}

type buildResponse struct {
	RequestID   string   `json:"request_id"`
	RequestURLs []string `json:"request_urls"`
	CreditCost  float64  `json:"credit_cost"`
	DryRun      bool     `json:"dry_run"`
}

var _ = Describe("Server", func() {
	It("should serve health unauthenticated", func() {
		rec, _ := do(http.MethodGet, "/healthz", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("should reject a missing api key", func() {
		rec, e := do(http.MethodPost, "/build", "", buildBody(""))
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(e.Message).To(ContainSubstring("unknown api key"))
	})

	It("should answer 403 for a disabled key", func() {
		rec, e := do(http.MethodPost, "/build", "disabled-key", buildBody(""))
		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(e.Message).To(ContainSubstring("disabled"))
	})

	Context("build intake", func() {
		It("should accept a valid request, persist it and publish it", func() {
			rec, e := do(http.MethodPost, "/build", "valid-key", buildBody(""))
			Expect(rec.Code).To(Equal(http.StatusOK))

			var b buildResponse
			Expect(json.Unmarshal(e.Body, &b)).To(Succeed())
			Expect(b.RequestID).ToNot(BeEmpty())
			Expect(b.RequestURLs).To(HaveLen(2))
			Expect(b.CreditCost).To(BeNumerically("~", float64(3200*25)/100000, 1e-9))

			r, err := requestStore.Get(ctx, b.RequestID)
			Expect(err).ToNot(HaveOccurred())
			Expect(r.Status).To(Equal(requests.StatusQueued))
			Expect(r.APIKey).To(Equal("valid-key"))
			Expect(sqsAPI.QueueLen()).To(Equal(1))
		})
		It("should answer a dry run without persisting or publishing", func() {
			rec, e := do(http.MethodPost, "/build", "valid-key", buildBody(`, "dry_run": true`))
			Expect(rec.Code).To(Equal(http.StatusOK))

			var b buildResponse
			Expect(json.Unmarshal(e.Body, &b)).To(Succeed())
			Expect(b.DryRun).To(BeTrue())
			Expect(b.RequestID).To(BeEmpty())
			Expect(b.CreditCost).To(BeNumerically(">", 0))
			Expect(sqsAPI.QueueLen()).To(BeZero())
		})
		It("should reject malformed bodies with 400", func() {
			rec, _ := do(http.MethodPost, "/build", "valid-key", `{"creator": "x"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
		It("should reject formats without a registered encoder", func() {
			body := strings.Replace(buildBody(""), `"format": "owi-ascii"`, `"format": "ras-netcdf"`, 1)
			rec, e := do(http.MethodPost, "/build", "valid-key", body)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(e.Message).To(ContainSubstring("no encoder"))
		})
		It("should answer 402 when the key cannot afford the request", func() {
			rec, e := do(http.MethodPost, "/build", "poor-key", buildBody(""))
			Expect(rec.Code).To(Equal(http.StatusPaymentRequired))
			Expect(e.Message).To(ContainSubstring("credit limit"))
			Expect(sqsAPI.QueueLen()).To(BeZero())
		})
		It("should debit the credit cost at intake", func() {
			// budget-key affords one of these requests but not two; the
			// second must see the still-queued first one in the window.
			rec, e := do(http.MethodPost, "/build", "budget-key", buildBody(""))
			Expect(rec.Code).To(Equal(http.StatusOK))
			var b buildResponse
			Expect(json.Unmarshal(e.Body, &b)).To(Succeed())

			r, err := requestStore.Get(ctx, b.RequestID)
			Expect(err).ToNot(HaveOccurred())
			Expect(r.Status).To(Equal(requests.StatusQueued))
			Expect(r.CreditUsage).To(Equal(int64(3200 * 25)))

			rec, _ = do(http.MethodPost, "/build", "budget-key", buildBody(""))
			Expect(rec.Code).To(Equal(http.StatusPaymentRequired))
			Expect(sqsAPI.QueueLen()).To(Equal(1))
		})
		It("should answer 403 when the key is not permitted to use a service", func() {
			rec, e := do(http.MethodPost, "/build", "scoped-key", buildBody(""))
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(e.Message).To(ContainSubstring("not permitted"))
			Expect(sqsAPI.QueueLen()).To(BeZero())

			body := strings.Replace(buildBody(""), `"service": "gfs-ncep"`, `"service": "nam-ncep"`, 1)
			rec, _ = do(http.MethodPost, "/build", "scoped-key", body)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
		It("should replay an idempotent request instead of accepting a duplicate", func() {
			first := httptest.NewRequest(http.MethodPost, "/build", strings.NewReader(buildBody("")))
			first.Header.Set("x-api-key", "valid-key")
			first.Header.Set("x-idempotency-key", "client-42")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, first)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var e envelope
			Expect(json.Unmarshal(rec.Body.Bytes(), &e)).To(Succeed())
			var b buildResponse
			Expect(json.Unmarshal(e.Body, &b)).To(Succeed())

			second := httptest.NewRequest(http.MethodPost, "/build", strings.NewReader(buildBody("")))
			second.Header.Set("x-api-key", "valid-key")
			second.Header.Set("x-idempotency-key", "client-42")
			rec = httptest.NewRecorder()
			router.ServeHTTP(rec, second)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(json.Unmarshal(rec.Body.Bytes(), &e)).To(Succeed())
			Expect(e.Message).To(ContainSubstring("already accepted"))
			var replay buildResponse
			Expect(json.Unmarshal(e.Body, &replay)).To(Succeed())
			Expect(replay.RequestID).To(Equal(b.RequestID))
			Expect(replay.RequestURLs).To(HaveLen(2))
			Expect(sqsAPI.QueueLen()).To(Equal(1))
		})
	})

	Context("check", func() {
		It("should answer 404 for an unknown request id", func() {
			rec, _ := do(http.MethodPost, "/check", "valid-key", `{"request": "nope"}`)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
		It("should require a request id in the body", func() {
			rec, _ := do(http.MethodPost, "/check", "valid-key", `{}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
		It("should report a queued request without output urls", func() {
			_, e := do(http.MethodPost, "/build", "valid-key", buildBody(""))
			var b buildResponse
			Expect(json.Unmarshal(e.Body, &b)).To(Succeed())

			rec, e := do(http.MethodPost, "/check", "valid-key", fmt.Sprintf(`{"request": %q}`, b.RequestID))
			Expect(rec.Code).To(Equal(http.StatusOK))
			var check map[string]any
			Expect(json.Unmarshal(e.Body, &check)).To(Succeed())
			Expect(check["status"]).To(Equal("queued"))
			Expect(check).ToNot(HaveKey("output_urls"))
		})
		It("should presign the outputs of a completed request", func() {
			_, e := do(http.MethodPost, "/build", "valid-key", buildBody(""))
			var b buildResponse
			Expect(json.Unmarshal(e.Body, &b)).To(Succeed())

			_, ok, err := requestStore.Claim(ctx, b.RequestID, time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(requestStore.Complete(ctx, b.RequestID, 3200*25, "built")).To(Succeed())

			rec, e := do(http.MethodPost, "/check", "valid-key", fmt.Sprintf(`{"request": %q}`, b.RequestID))
			Expect(rec.Code).To(Equal(http.StatusOK))
			var check struct {
				Status      string   `json:"status"`
				CreditsUsed float64  `json:"credits_used"`
				OutputURLs  []string `json:"output_urls"`
			}
			Expect(json.Unmarshal(e.Body, &check)).To(Succeed())
			Expect(check.Status).To(Equal("completed"))
			Expect(check.CreditsUsed).To(BeNumerically(">", 0))
			Expect(check.OutputURLs).To(HaveLen(2))
			for _, url := range check.OutputURLs {
				Expect(url).To(ContainSubstring(b.RequestID))
			}
		})
	})

	Context("status", func() {
		It("should report cycle ranges per service", func() {
			cycle := time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC)
			for tau := 0; tau <= 6; tau++ {
				_, err := catalogStore.Upsert(ctx, catalog.Entry{
					Service:       sources.GFS,
					ForecastCycle: cycle,
					ValidTime:     cycle.Add(time.Duration(tau) * time.Hour),
					Tau:           tau,
					StorageKey:    fmt.Sprintf("gfs-ncep/f%03d", tau),
				})
				Expect(err).ToNot(HaveOccurred())
			}

			rec, e := do(http.MethodGet, "/status", "valid-key", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var statuses []struct {
				Service     string     `json:"service"`
				LatestCycle *time.Time `json:"latest_cycle"`
				CycleCount  int        `json:"cycle_count"`
			}
			Expect(json.Unmarshal(e.Body, &statuses)).To(Succeed())

			byService := map[string]int{}
			for i, fs := range statuses {
				byService[fs.Service] = i
			}
			Expect(byService).To(HaveKey("gfs-ncep"))
			gfs := statuses[byService["gfs-ncep"]]
			Expect(gfs.CycleCount).To(Equal(1))
			Expect(gfs.LatestCycle).ToNot(BeNil())
			Expect(gfs.LatestCycle.Equal(cycle)).To(BeTrue())
		})
	})

	Context("credits", func() {
		It("should report an unlimited balance for a zero-limit key", func() {
			rec, e := do(http.MethodGet, "/credits", "valid-key", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var balance struct {
				Unlimited bool `json:"unlimited"`
			}
			Expect(json.Unmarshal(e.Body, &balance)).To(Succeed())
			Expect(balance.Unlimited).To(BeTrue())
		})
	})
})
