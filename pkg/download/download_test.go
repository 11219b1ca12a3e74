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

package download_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/sources"
)

// script configures the adapter with one candidate per tau, each with a
// payload, and returns the candidates.
func script(cycle time.Time, taus ...int) []sources.Candidate {
	var candidates []sources.Candidate
	for _, tau := range taus {
		c := sources.Candidate{
			Service:   sources.GFS,
			Cycle:     cycle,
			ValidTime: cycle.Add(time.Duration(tau) * time.Hour),
			Tau:       tau,
			URL:       fmt.Sprintf("https://upstream.local/gfs/f%03d", tau),
		}
		candidates = append(candidates, c)
		adapter.Payloads[c.URL] = []byte(fmt.Sprintf("grib-%03d", tau))
	}
	adapter.Candidates = append(adapter.Candidates, candidates...)
	return candidates
}

var _ = Describe("Loop", func() {
	cycle := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)

	It("should ingest every discovered candidate, blob first", func() {
		candidates := script(cycle, 0, 6, 12)

		stats, err := loop.RunOnce(ctx, sources.GFS, cycle, cycle)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Discovered).To(Equal(3))
		Expect(stats.Ingested).To(Equal(3))
		Expect(stats.Skipped).To(BeZero())
		Expect(stats.Failed).To(BeZero())

		for _, c := range candidates {
			body, ok := dataAPI.Stored(c.Key())
			Expect(ok).To(BeTrue(), c.Key())
			Expect(body).To(Equal(adapter.Payloads[c.URL]))
			present, err := catalogStore.Has(ctx, catalog.Entry{
				Service:       c.Service,
				ForecastCycle: c.Cycle,
				ValidTime:     c.ValidTime,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(present).To(BeTrue())
		}
	})

	It("should skip what the catalog already holds", func() {
		script(cycle, 0, 6, 12)

		_, err := loop.RunOnce(ctx, sources.GFS, cycle, cycle)
		Expect(err).ToNot(HaveOccurred())
		fetchedOnce := len(adapter.Fetched())

		stats, err := loop.RunOnce(ctx, sources.GFS, cycle, cycle)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Skipped).To(Equal(3))
		Expect(stats.Ingested).To(BeZero())
		Expect(adapter.Fetched()).To(HaveLen(fetchedOnce))
	})

	It("should only discover cycles inside the window", func() {
		script(cycle, 0)
		script(cycle.Add(24*time.Hour), 0)

		stats, err := loop.RunOnce(ctx, sources.GFS, cycle, cycle.Add(time.Hour))
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Discovered).To(Equal(1))
		Expect(stats.Ingested).To(Equal(1))
	})

	It("should skip a failing candidate without aborting the pass", func() {
		candidates := script(cycle, 0, 6, 12)
		// One candidate loses its payload mid-flight.
		delete(adapter.Payloads, candidates[1].URL)

		stats, err := loop.RunOnce(ctx, sources.GFS, cycle, cycle)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Ingested).To(Equal(2))
		Expect(stats.Failed).To(Equal(1))

		present, err := catalogStore.Has(ctx, catalog.Entry{
			Service:       candidates[1].Service,
			ForecastCycle: candidates[1].Cycle,
			ValidTime:     candidates[1].ValidTime,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(present).To(BeFalse())
	})

	It("should not catalog a candidate whose blob failed to store", func() {
		script(cycle, 0)
		dataAPI.PutObjectBehavior.Error.Set(fmt.Errorf("bucket unavailable"))

		stats, err := loop.RunOnce(ctx, sources.GFS, cycle, cycle)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Failed).To(Equal(1))
		Expect(catalogStore.Len()).To(BeZero())
	})

	It("should fail the pass when discovery fails", func() {
		adapter.DiscoverError.Set(fmt.Errorf("listing unavailable"))
		_, err := loop.RunOnce(ctx, sources.GFS, cycle, cycle)
		Expect(err).To(HaveOccurred())
	})

	Context("retention", func() {
		It("should delete expired blobs before their catalog rows", func() {
			oldCycle := fakeClock.Now().Add(-72 * time.Hour)
			newCycle := fakeClock.Now().Add(-6 * time.Hour)
			old := script(oldCycle, 0)
			fresh := script(newCycle, 0)
			_, err := loop.RunOnce(ctx, sources.GFS, oldCycle, newCycle)
			Expect(err).ToNot(HaveOccurred())
			Expect(catalogStore.Len()).To(Equal(2))

			Expect(loop.Retain(ctx, sources.GFS, 48*time.Hour)).To(Succeed())

			_, ok := dataAPI.Stored(old[0].Key())
			Expect(ok).To(BeFalse())
			_, ok = dataAPI.Stored(fresh[0].Key())
			Expect(ok).To(BeTrue())
			Expect(catalogStore.Len()).To(Equal(1))
		})
	})
})
