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

package adapters

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/metget/metget-server/pkg/sources"
)

// NewGFS ingests the 0.25 degree GFS from NOMADS.
func NewGFS(client *http.Client) sources.Adapter {
	pattern := regexp.MustCompile(`gfs\.t(\d{2})z\.pgrb2\.0p25\.f(\d{3})`)
	listURL := func(cycle time.Time) string {
		return fmt.Sprintf("%s/gfs/prod/gfs.%s/%02d/atmos/", nomadsBase, cycle.Format("20060102"), cycle.Hour())
	}
	return &nomads{
		service: sources.GFS,
		client:  client,
		listURL: listURL,
		pattern: pattern,
		parse: func(cycle time.Time, match []string) (sources.Candidate, bool) {
			if atoi(match[1]) != cycle.Hour() {
				return sources.Candidate{}, false
			}
			tau := atoi(match[2])
			return sources.Candidate{
				Service:   sources.GFS,
				Cycle:     cycle,
				ValidTime: cycle.Add(time.Duration(tau) * time.Hour),
				Tau:       tau,
				URL:       listURL(cycle) + match[0],
			}, true
		},
	}
}

// NewNAM ingests the NAM AWIPS grids from NOMADS. Lead times run hourly to
// 36 and three-hourly to 84.
func NewNAM(client *http.Client) sources.Adapter {
	pattern := regexp.MustCompile(`nam\.t(\d{2})z\.awphys(\d{2})\.tm00\.grib2`)
	listURL := func(cycle time.Time) string {
		return fmt.Sprintf("%s/nam/prod/nam.%s/", nomadsBase, cycle.Format("20060102"))
	}
	return &nomads{
		service: sources.NAM,
		client:  client,
		listURL: listURL,
		pattern: pattern,
		parse: func(cycle time.Time, match []string) (sources.Candidate, bool) {
			if atoi(match[1]) != cycle.Hour() {
				return sources.Candidate{}, false
			}
			tau := atoi(match[2])
			return sources.Candidate{
				Service:   sources.NAM,
				Cycle:     cycle,
				ValidTime: cycle.Add(time.Duration(tau) * time.Hour),
				Tau:       tau,
				URL:       listURL(cycle) + match[0],
			}, true
		},
	}
}

// NewHRRRConus ingests the hourly HRRR surface files from NOMADS.
func NewHRRRConus(client *http.Client) sources.Adapter {
	pattern := regexp.MustCompile(`hrrr\.t(\d{2})z\.wrfsfcf(\d{2})\.grib2`)
	listURL := func(cycle time.Time) string {
		return fmt.Sprintf("%s/hrrr/prod/hrrr.%s/conus/", nomadsBase, cycle.Format("20060102"))
	}
	return &nomads{
		service: sources.HRRRConus,
		client:  client,
		listURL: listURL,
		pattern: pattern,
		parse: func(cycle time.Time, match []string) (sources.Candidate, bool) {
			if atoi(match[1]) != cycle.Hour() {
				return sources.Candidate{}, false
			}
			tau := atoi(match[2])
			return sources.Candidate{
				Service:   sources.HRRRConus,
				Cycle:     cycle,
				ValidTime: cycle.Add(time.Duration(tau) * time.Hour),
				Tau:       tau,
				URL:       listURL(cycle) + match[0],
			}, true
		},
	}
}

// NewHRRRAlaska ingests the three-hourly HRRR Alaska nest from NOMADS.
func NewHRRRAlaska(client *http.Client) sources.Adapter {
	pattern := regexp.MustCompile(`hrrr\.t(\d{2})z\.wrfsfcf(\d{2})\.ak\.grib2`)
	listURL := func(cycle time.Time) string {
		return fmt.Sprintf("%s/hrrr/prod/hrrr.%s/alaska/", nomadsBase, cycle.Format("20060102"))
	}
	return &nomads{
		service: sources.HRRRAlaska,
		client:  client,
		listURL: listURL,
		pattern: pattern,
		parse: func(cycle time.Time, match []string) (sources.Candidate, bool) {
			if atoi(match[1]) != cycle.Hour() {
				return sources.Candidate{}, false
			}
			tau := atoi(match[2])
			return sources.Candidate{
				Service:   sources.HRRRAlaska,
				Cycle:     cycle,
				ValidTime: cycle.Add(time.Duration(tau) * time.Hour),
				Tau:       tau,
				URL:       listURL(cycle) + match[0],
			}, true
		},
	}
}

// NewWPC ingests the WPC 5 km quantitative precipitation forecast. The feed
// is one flat listing with the cycle embedded in each filename.
func NewWPC(client *http.Client) sources.Adapter {
	const base = "https://ftp.wpc.ncep.noaa.gov/5km_qpf/"
	pattern := regexp.MustCompile(`p06m_(\d{10})f(\d{3})\.grb`)
	return &nomads{
		service: sources.WPC,
		client:  client,
		listURL: func(time.Time) string { return base },
		pattern: pattern,
		parse: func(cycle time.Time, match []string) (sources.Candidate, bool) {
			fileCycle, err := time.ParseInLocation("2006010215", match[1], time.UTC)
			if err != nil || !fileCycle.Equal(cycle) {
				return sources.Candidate{}, false
			}
			tau := atoi(match[2])
			return sources.Candidate{
				Service:   sources.WPC,
				Cycle:     cycle,
				ValidTime: cycle.Add(time.Duration(tau) * time.Hour),
				Tau:       tau,
				URL:       base + match[0],
			}, true
		},
	}
}

// NewGEFS ingests the GEFS 0.5 degree ensemble: the control member gec00
// and the perturbed members gep01 through gep30.
func NewGEFS(client *http.Client) sources.Adapter {
	pattern := regexp.MustCompile(`(gec|gep)(\d{2})\.t(\d{2})z\.pgrb2a\.0p50\.f(\d{3})`)
	listURL := func(cycle time.Time) string {
		return fmt.Sprintf("%s/gens/prod/gefs.%s/%02d/atmos/pgrb2ap5/", nomadsBase, cycle.Format("20060102"), cycle.Hour())
	}
	return &nomads{
		service: sources.GEFS,
		client:  client,
		listURL: listURL,
		pattern: pattern,
		parse: func(cycle time.Time, match []string) (sources.Candidate, bool) {
			if atoi(match[3]) != cycle.Hour() {
				return sources.Candidate{}, false
			}
			tau := atoi(match[4])
			return sources.Candidate{
				Service:        sources.GEFS,
				Cycle:          cycle,
				ValidTime:      cycle.Add(time.Duration(tau) * time.Hour),
				Tau:            tau,
				EnsembleMember: match[1] + match[2],
				URL:            listURL(cycle) + match[0],
			}, true
		},
	}
}

// NewHAFS ingests the HAFS parent-domain storm files; hfsa and hfsb are the
// two physics configurations NCEP runs side by side.
func NewHAFS(client *http.Client, svc sources.Service) sources.Adapter {
	product := "hfsa"
	if svc == sources.HAFSB {
		product = "hfsb"
	}
	pattern := regexp.MustCompile(fmt.Sprintf(`(\d{2}[a-z])\.(\d{10})\.%s\.parent\.atm\.f(\d{3})\.grb2`, product))
	listURL := func(cycle time.Time) string {
		return fmt.Sprintf("%s/hafs/prod/%s.%s/%02d/", nomadsBase, product, cycle.Format("20060102"), cycle.Hour())
	}
	return &nomads{
		service: svc,
		client:  client,
		listURL: listURL,
		pattern: pattern,
		parse: func(cycle time.Time, match []string) (sources.Candidate, bool) {
			fileCycle, err := time.ParseInLocation("2006010215", match[2], time.UTC)
			if err != nil || !fileCycle.Equal(cycle) {
				return sources.Candidate{}, false
			}
			tau := atoi(match[3])
			return sources.Candidate{
				Service:   svc,
				Cycle:     cycle,
				ValidTime: cycle.Add(time.Duration(tau) * time.Hour),
				Tau:       tau,
				StormName: match[1],
				URL:       listURL(cycle) + match[0],
			}, true
		},
	}
}
