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

package adapters_test

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/fake"
	"github.com/metget/metget-server/pkg/sources"
	"github.com/metget/metget-server/pkg/sources/adapters"
)

var _ = Describe("NOMADS adapters", func() {
	cycle := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	Context("GFS", func() {
		const listing = "/pub/data/nccf/com/gfs/prod/gfs.20240101/00/atmos/"

		It("should discover the cycle's files from the directory listing", func() {
			upstream.serve(listing, `
				<a href="gfs.t00z.pgrb2.0p25.f000">gfs.t00z.pgrb2.0p25.f000</a>
				<a href="gfs.t00z.pgrb2.0p25.f000.idx">gfs.t00z.pgrb2.0p25.f000.idx</a>
				<a href="gfs.t00z.pgrb2.0p25.f006">gfs.t00z.pgrb2.0p25.f006</a>
				<a href="gfs.t06z.pgrb2.0p25.f000">gfs.t06z.pgrb2.0p25.f000</a>`)
			adapter := adapters.NewGFS(upstream.client())

			candidates, err := adapter.Discover(ctx, cycle, cycle)
			Expect(err).ToNot(HaveOccurred())
			Expect(candidates).To(HaveLen(2))
			Expect(lo.Map(candidates, func(c sources.Candidate, _ int) int { return c.Tau })).To(Equal([]int{0, 6}))
			Expect(candidates[1].ValidTime).To(Equal(cycle.Add(6 * time.Hour)))
			Expect(candidates[1].URL).To(HaveSuffix(listing + "gfs.t00z.pgrb2.0p25.f006"))
		})
		It("should skip cycles whose directory is not published yet", func() {
			upstream.serve(listing, `<a href="gfs.t00z.pgrb2.0p25.f000">x</a>`)
			adapter := adapters.NewGFS(upstream.client())

			candidates, err := adapter.Discover(ctx, cycle, cycle.Add(6*time.Hour))
			Expect(err).ToNot(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
		})
		It("should fetch a candidate's bytes", func() {
			upstream.serve(listing+"gfs.t00z.pgrb2.0p25.f000", "grib-bytes")
			adapter := adapters.NewGFS(upstream.client())

			body, err := adapter.Fetch(ctx, sources.Candidate{
				URL: "https://nomads.ncep.noaa.gov" + listing + "gfs.t00z.pgrb2.0p25.f000",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(string(body)).To(Equal("grib-bytes"))
		})
		It("should retry upstream errors before giving up", func() {
			path := listing + "gfs.t00z.pgrb2.0p25.f000"
			upstream.fail(path, 503)
			adapter := adapters.NewGFS(upstream.client())

			_, err := adapter.Fetch(ctx, sources.Candidate{URL: "https://nomads.ncep.noaa.gov" + path})
			Expect(err).To(HaveOccurred())
			Expect(errors.IsUpstreamUnavailable(err)).To(BeTrue())
			Expect(upstream.hitCount(path)).To(Equal(3))
		})
		It("should not retry a missing file", func() {
			path := listing + "gfs.t00z.pgrb2.0p25.f000"
			adapter := adapters.NewGFS(upstream.client())

			_, err := adapter.Fetch(ctx, sources.Candidate{URL: "https://nomads.ncep.noaa.gov" + path})
			Expect(err).To(HaveOccurred())
			Expect(errors.IsNotFound(err)).To(BeTrue())
			Expect(upstream.hitCount(path)).To(Equal(1))
		})
	})

	Context("GEFS", func() {
		It("should carry the ensemble member of each file", func() {
			const listing = "/pub/data/nccf/com/gens/prod/gefs.20240101/00/atmos/pgrb2ap5/"
			upstream.serve(listing, `
				<a href="gec00.t00z.pgrb2a.0p50.f000">x</a>
				<a href="gep01.t00z.pgrb2a.0p50.f000">x</a>`)
			adapter := adapters.NewGEFS(upstream.client())

			candidates, err := adapter.Discover(ctx, cycle, cycle)
			Expect(err).ToNot(HaveOccurred())
			Expect(lo.Map(candidates, func(c sources.Candidate, _ int) string { return c.EnsembleMember })).
				To(Equal([]string{"gec00", "gep01"}))
		})
	})

	Context("HAFS", func() {
		It("should carry the storm identifier of each file", func() {
			const listing = "/pub/data/nccf/com/hafs/prod/hfsa.20240101/00/"
			upstream.serve(listing, `<a href="09l.2024010100.hfsa.parent.atm.f012.grb2">x</a>`)
			adapter := adapters.NewHAFS(upstream.client(), sources.HAFSA)

			candidates, err := adapter.Discover(ctx, cycle, cycle)
			Expect(err).ToNot(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
			Expect(candidates[0].StormName).To(Equal("09l"))
			Expect(candidates[0].Tau).To(Equal(12))
		})
	})

	Context("WPC", func() {
		It("should bind flat-listing files to their embedded cycle", func() {
			upstream.serve("/5km_qpf/", `
				<a href="p06m_2024010100f006.grb">x</a>
				<a href="p06m_2023123100f006.grb">x</a>`)
			adapter := adapters.NewWPC(upstream.client())

			candidates, err := adapter.Discover(ctx, cycle, cycle)
			Expect(err).ToNot(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
			Expect(candidates[0].Cycle).To(Equal(cycle))
			Expect(candidates[0].Tau).To(Equal(6))
		})
	})
})

var _ = Describe("COAMPS", func() {
	cycle := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	put := func(api *fake.S3API, key, body string) {
		_, err := api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String("coamps-delivery"),
			Key:    aws.String(key),
			Body:   strings.NewReader(body),
		})
		Expect(err).ToNot(HaveOccurred())
	}

	It("should discover storm files from the delivery bucket", func() {
		api := fake.NewS3API()
		put(api, "14L/2024010100/14L_2024010100_tau000.grb2", "a")
		put(api, "14L/2024010100/14L_2024010100_tau006.grb2", "b")
		put(api, "14L/2023120100/14L_2023120100_tau000.grb2", "old")
		put(api, "14L/2024010100/readme.txt", "junk")
		adapter := adapters.NewCOAMPS(api, "coamps-delivery")

		candidates, err := adapter.Discover(ctx, cycle, cycle)
		Expect(err).ToNot(HaveOccurred())
		Expect(candidates).To(HaveLen(2))
		Expect(candidates[0].StormName).To(Equal("14L"))
		Expect(lo.Map(candidates, func(c sources.Candidate, _ int) int { return c.Tau })).To(Equal([]int{0, 6}))
	})
	It("should fetch a candidate back out of the bucket", func() {
		api := fake.NewS3API()
		put(api, "14L/2024010100/14L_2024010100_tau006.grb2", "grib-bytes")
		adapter := adapters.NewCOAMPS(api, "coamps-delivery")

		candidates, err := adapter.Discover(ctx, cycle, cycle)
		Expect(err).ToNot(HaveOccurred())
		Expect(candidates).To(HaveLen(1))

		body, err := adapter.Fetch(ctx, candidates[0])
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(Equal("grib-bytes"))
	})
})

var _ = Describe("NHC", func() {
	It("should discover the year's storms from the best-track listing", func() {
		upstream.serve("/atcf/btk/", `
			<a href="bal142024.dat">bal142024.dat</a>
			<a href="bal142024.dat">bal142024.dat</a>
			<a href="bep052024.dat">bep052024.dat</a>
			<a href="bal011999.dat">bal011999.dat</a>`)
		nhc := adapters.NewNHC(upstream.client())

		storms, err := nhc.DiscoverStorms(ctx, 2024)
		Expect(err).ToNot(HaveOccurred())
		Expect(storms).To(ConsistOf(
			adapters.Storm{Basin: "AL", Number: 14, Year: 2024},
			adapters.Storm{Basin: "EP", Number: 5, Year: 2024},
		))
	})
	It("should fetch the rolling best-track file", func() {
		upstream.serve("/atcf/btk/bal142024.dat", "deck")
		nhc := adapters.NewNHC(upstream.client())

		body, err := nhc.FetchBestTrack(ctx, adapters.Storm{Basin: "AL", Number: 14, Year: 2024})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(Equal("deck"))
	})
})

var _ = Describe("ATCF decks", func() {
	deck := `AL, 14, 2024010100,   , BEST,   0, 257N,  901W,  75,  960, HU
AL, 14, 2024010100,   , OFCL,  12, 260N,  905W,  80,  955, HU
garbage line
AL, 14, 2024010100,   , OFCL,  24, 265N,  910W,  85,  950, HU`

	It("should parse fixes with tenths-degree coordinates", func() {
		points := adapters.ParseATCF([]byte(deck))
		Expect(points).To(HaveLen(3))
		Expect(points[0].Lat).To(BeNumerically("~", 25.7, 1e-9))
		Expect(points[0].Lon).To(BeNumerically("~", -90.1, 1e-9))
		Expect(points[0].MaxWindKt).To(Equal(75))
		Expect(points[0].MinPressure).To(Equal(960))
		Expect(points[1].Time).To(Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	})
	It("should assemble a catalog row with LineString geometry", func() {
		storm := adapters.Storm{Basin: "AL", Number: 14, Year: 2024}
		entry, err := adapters.TrackEntryFor(catalog.BestTrack, storm, "", "nhc/besttrack/2024/al/14.dat", []byte(deck))
		Expect(err).ToNot(HaveOccurred())
		Expect(entry.Kind).To(Equal(catalog.BestTrack))
		Expect(entry.StormNumber).To(Equal(14))
		Expect(entry.AdvisoryStart).To(Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
		Expect(entry.AdvisoryEnd).To(Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
		Expect(entry.AdvisoryDuration).To(Equal(24))
		Expect(entry.MD5).To(HaveLen(32))

		var geometry struct {
			Type        string       `json:"type"`
			Coordinates [][2]float64 `json:"coordinates"`
		}
		Expect(json.Unmarshal(entry.Geometry, &geometry)).To(Succeed())
		Expect(geometry.Type).To(Equal("LineString"))
		Expect(geometry.Coordinates).To(HaveLen(3))
		Expect(geometry.Coordinates[0]).To(Equal([2]float64{-90.1, 25.7}))
	})
	It("should refuse a deck with no usable fixes", func() {
		_, err := adapters.TrackEntryFor(catalog.BestTrack, adapters.Storm{Basin: "AL", Number: 14, Year: 2024}, "", "k", []byte("nothing"))
		Expect(err).To(HaveOccurred())
	})
})
