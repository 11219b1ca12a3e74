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

package buildspec_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/metget/metget-server/pkg/buildspec"
	"github.com/metget/metget-server/pkg/errors"
)

func validBody() string {
	return `{
		"creator": "test-suite",
		"start_date": "2024-01-01 00:00",
		"end_date": "2024-01-02 00:00",
		"time_step": 3600,
		"format": "owi-ascii",
		"filename": "wind",
		"domains": [
			{"name": "gom", "service": "gfs-ncep", "level": 0,
			 "x_init": -100, "y_init": 20, "x_end": -80, "y_end": 30, "di": 0.25, "dj": 0.25}
		]
	}`
}

var _ = Describe("BuildSpec", func() {
	It("should parse a corner-extent request and default the ambient fields", func() {
		spec, err := buildspec.Parse([]byte(validBody()))
		Expect(err).ToNot(HaveOccurred())
		Expect(spec.Creator).To(Equal("test-suite"))
		Expect(spec.StartDate.Time).To(Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
		Expect(spec.EPSG).To(Equal(4326))
		Expect(spec.BackgroundPressure).To(Equal(1013.0))
		Expect(spec.NullValue).To(Equal(-999.0))
		Expect(spec.DataType).To(Equal("wind_pressure"))
	})
	It("should enumerate timesteps inclusive of both endpoints", func() {
		spec, err := buildspec.Parse([]byte(validBody()))
		Expect(err).ToNot(HaveOccurred())
		steps := spec.Timesteps()
		Expect(steps).To(HaveLen(25))
		Expect(steps[0]).To(Equal(spec.StartDate.Time))
		Expect(steps[24]).To(Equal(spec.EndDate.Time))
	})
	It("should compute grid cells from corner extents", func() {
		spec, err := buildspec.Parse([]byte(validBody()))
		Expect(err).ToNot(HaveOccurred())
		Expect(spec.Domains[0].NICells()).To(Equal(80))
		Expect(spec.Domains[0].NJCells()).To(Equal(40))
		Expect(spec.Domains[0].Cells()).To(Equal(int64(3200)))
	})
	It("should cost cells times timesteps for gridded formats", func() {
		spec, err := buildspec.Parse([]byte(validBody()))
		Expect(err).ToNot(HaveOccurred())
		Expect(spec.CreditCost()).To(Equal(int64(3200 * 25)))
	})
	It("should reject a window that ends before it starts", func() {
		body := `{
			"creator": "t", "start_date": "2024-01-02 00:00", "end_date": "2024-01-01 00:00",
			"time_step": 3600, "format": "owi-ascii", "filename": "f",
			"domains": [{"name": "d", "service": "gfs-ncep", "level": 0,
				"x_init": -100, "y_init": 20, "x_end": -80, "y_end": 30, "di": 0.25, "dj": 0.25}]
		}`
		_, err := buildspec.Parse([]byte(body))
		Expect(err).To(HaveOccurred())
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should reject unknown services", func() {
		body := `{
			"creator": "t", "start_date": "2024-01-01 00:00", "end_date": "2024-01-02 00:00",
			"time_step": 3600, "format": "owi-ascii", "filename": "f",
			"domains": [{"name": "d", "service": "bogus", "level": 0,
				"x_init": -100, "y_init": 20, "x_end": -80, "y_end": 30, "di": 0.25, "dj": 0.25}]
		}`
		_, err := buildspec.Parse([]byte(body))
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should reject a domain with open geometry", func() {
		body := `{
			"creator": "t", "start_date": "2024-01-01 00:00", "end_date": "2024-01-02 00:00",
			"time_step": 3600, "format": "owi-ascii", "filename": "f",
			"domains": [{"name": "d", "service": "gfs-ncep", "level": 0,
				"x_init": -80, "y_init": 20, "x_end": -100, "y_end": 30, "di": 0.25, "dj": 0.25}]
		}`
		_, err := buildspec.Parse([]byte(body))
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should require an ensemble member for ensemble services", func() {
		body := `{
			"creator": "t", "start_date": "2024-01-01 00:00", "end_date": "2024-01-02 00:00",
			"time_step": 3600, "format": "owi-ascii", "filename": "f",
			"domains": [{"name": "d", "service": "gefs-ncep", "level": 0,
				"x_init": -100, "y_init": 20, "x_end": -80, "y_end": 30, "di": 0.25, "dj": 0.25}]
		}`
		_, err := buildspec.Parse([]byte(body))
		Expect(errors.IsValidation(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("ensemble_member"))
	})
	It("should require a storm for storm-scoped services", func() {
		body := `{
			"creator": "t", "start_date": "2024-01-01 00:00", "end_date": "2024-01-02 00:00",
			"time_step": 3600, "format": "owi-ascii", "filename": "f",
			"domains": [{"name": "d", "service": "hafs-a", "level": 0,
				"x_init": -100, "y_init": 20, "x_end": -80, "y_end": 30, "di": 0.25, "dj": 0.25}]
		}`
		_, err := buildspec.Parse([]byte(body))
		Expect(errors.IsValidation(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("storm"))
	})
	It("should refuse nowcast combined with multiple forecasts", func() {
		body := `{
			"creator": "t", "start_date": "2024-01-01 00:00", "end_date": "2024-01-02 00:00",
			"time_step": 3600, "format": "owi-ascii", "filename": "f",
			"nowcast": true, "multiple_forecasts": true,
			"domains": [{"name": "d", "service": "gfs-ncep", "level": 0,
				"x_init": -100, "y_init": 20, "x_end": -80, "y_end": 30, "di": 0.25, "dj": 0.25}]
		}`
		_, err := buildspec.Parse([]byte(body))
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should resolve predefined domains", func() {
		body := `{
			"creator": "t", "start_date": "2024-01-01 00:00", "end_date": "2024-01-02 00:00",
			"time_step": 3600, "format": "owi-ascii", "filename": "f",
			"domains": [{"name": "d", "service": "gfs-ncep", "level": 0, "predefined_domain": "gulf-of-mexico"}]
		}`
		spec, err := buildspec.Parse([]byte(body))
		Expect(err).ToNot(HaveOccurred())
		Expect(*spec.Domains[0].XInit).To(Equal(-98.0))
		Expect(spec.Domains[0].Cells()).To(BeNumerically(">", 0))
	})
	It("should derive output keys under the request id with the format's extensions", func() {
		spec, err := buildspec.Parse([]byte(validBody()))
		Expect(err).ToNot(HaveOccurred())
		keys := spec.OutputKeys("req-1")
		Expect(keys).To(ConsistOf("req-1/wind.pre", "req-1/wind.wnd"))
	})
	DescribeTable("format extensions",
		func(format string, extensions []string) {
			body := fmt.Sprintf(`{
				"creator": "t", "start_date": "2024-01-01 00:00", "end_date": "2024-01-02 00:00",
				"time_step": 3600, "format": %q, "filename": "f",
				"domains": [{"name": "d", "service": "gfs-ncep", "level": 0,
					"x_init": -100, "y_init": 20, "x_end": -80, "y_end": 30, "di": 0.25, "dj": 0.25}]
			}`, format)
			spec, err := buildspec.Parse([]byte(body))
			Expect(err).ToNot(HaveOccurred())
			Expect(spec.OutputExtensions()).To(Equal(extensions))
		},
		Entry("owi-ascii", "owi-ascii", []string{".pre", ".wnd"}),
		Entry("delft3d", "delft3d", []string{".amu", ".amv", ".amp"}),
		Entry("owi-netcdf", "owi-netcdf", []string{".nc"}),
		Entry("raw", "raw", []string{".grb2"}),
	)
})
