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

package credits_test

import (
	"encoding/json"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/metget/metget-server/pkg/auth"
	"github.com/metget/metget-server/pkg/credits"
	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/requests"
)

func completedRequest(id, key string, usage int64) {
	Expect(store.Insert(ctx, requests.Request{
		RequestID: id,
		APIKey:    key,
		Input:     json.RawMessage(`{}`),
	})).To(Succeed())
	_, ok, err := store.Claim(ctx, id, 0)
	Expect(err).ToNot(HaveOccurred())
	Expect(ok).To(BeTrue())
	Expect(store.Complete(ctx, id, usage, "done")).To(Succeed())
}

var _ = Describe("Credits", func() {
	key := &auth.Key{Key: "k-1", Username: "alice", CreditLimit: 1000}

	It("should deny a request that would exceed the limit", func() {
		ledger := credits.NewLedger(store, true)
		err := ledger.Authorize(ctx, key, 5000)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsCreditDenied(err)).To(BeTrue())
	})
	It("should allow a request inside the limit", func() {
		ledger := credits.NewLedger(store, true)
		Expect(ledger.Authorize(ctx, key, 900)).To(Succeed())
	})
	It("should count the intake debit of a still-queued request", func() {
		ledger := credits.NewLedger(store, true)
		Expect(store.Insert(ctx, requests.Request{
			RequestID:   "r-1",
			APIKey:      key.Key,
			CreditUsage: 600,
			Input:       json.RawMessage(`{}`),
		})).To(Succeed())
		err := ledger.Authorize(ctx, key, 600)
		Expect(errors.IsCreditDenied(err)).To(BeTrue())
	})
	It("should keep the debit while the request runs", func() {
		ledger := credits.NewLedger(store, true)
		Expect(store.Insert(ctx, requests.Request{
			RequestID:   "r-1",
			APIKey:      key.Key,
			CreditUsage: 600,
			Input:       json.RawMessage(`{}`),
		})).To(Succeed())
		_, ok, err := store.Claim(ctx, "r-1", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		err = ledger.Authorize(ctx, key, 600)
		Expect(errors.IsCreditDenied(err)).To(BeTrue())
	})
	It("should refund the debit when the request fails", func() {
		ledger := credits.NewLedger(store, true)
		Expect(store.Insert(ctx, requests.Request{
			RequestID:   "r-1",
			APIKey:      key.Key,
			CreditUsage: 600,
			Input:       json.RawMessage(`{}`),
		})).To(Succeed())
		Expect(store.Fail(ctx, "r-1", "no coverage")).To(Succeed())
		Expect(ledger.Authorize(ctx, key, 600)).To(Succeed())
	})
	It("should count prior usage inside the window", func() {
		ledger := credits.NewLedger(store, true)
		completedRequest("r-1", key.Key, 800)
		Expect(ledger.Authorize(ctx, key, 100)).To(Succeed())
		err := ledger.Authorize(ctx, key, 300)
		Expect(errors.IsCreditDenied(err)).To(BeTrue())
	})
	It("should forget usage older than the window", func() {
		ledger := credits.NewLedger(store, true)
		completedRequest("r-1", key.Key, 900)
		fakeClock.Step(31 * 24 * time.Hour)
		Expect(ledger.Authorize(ctx, key, 900)).To(Succeed())
	})
	It("should treat a zero limit as unlimited", func() {
		ledger := credits.NewLedger(store, true)
		unlimited := &auth.Key{Key: "k-2", Username: "bob"}
		Expect(ledger.Authorize(ctx, unlimited, 1<<40)).To(Succeed())
	})
	It("should always allow when enforcement is off", func() {
		ledger := credits.NewLedger(store, false)
		Expect(ledger.Authorize(ctx, key, 1<<40)).To(Succeed())
	})
	It("should report the scaled balance", func() {
		ledger := credits.NewLedger(store, true)
		completedRequest("r-1", key.Key, 400)
		balance, err := ledger.BalanceFor(ctx, key)
		Expect(err).ToNot(HaveOccurred())
		Expect(balance.CreditsUsed).To(BeNumerically("~", 400.0/credits.Multiplier, 1e-9))
		Expect(balance.CreditBalance).To(BeNumerically("~", 600.0/credits.Multiplier, 1e-9))
		Expect(balance.Unlimited).To(BeFalse())
	})
	It("should not sum other keys' usage", func() {
		ledger := credits.NewLedger(store, true)
		completedRequest("r-1", "other-key", 900)
		Expect(ledger.Authorize(ctx, key, 900)).To(Succeed())
	})
	DescribeTable("scaling",
		func(raw int64, scaled float64) {
			Expect(credits.Scale(raw)).To(BeNumerically("~", scaled, 1e-9))
		},
		Entry("zero", int64(0), 0.0),
		Entry("one credit", int64(100000), 1.0),
		Entry(fmt.Sprintf("multiplier is %d", credits.Multiplier), int64(250000), 2.5),
	)
})
