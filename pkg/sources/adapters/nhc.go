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
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/metget/metget-server/pkg/catalog"
)

const nhcBase = "https://ftp.nhc.noaa.gov/atcf"

// Storm identifies one tropical cyclone in the ATCF archive.
type Storm struct {
	Basin  string
	Number int
	Year   int
}

// TrackPoint is one fix along an ATCF track. Time is the valid time, i.e.
// the deck's initialization time plus the fix's lead time.
type TrackPoint struct {
	Time        time.Time `json:"time"`
	Tau         int       `json:"tau"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	MaxWindKt   int       `json:"max_wind_kt"`
	MinPressure int       `json:"min_pressure_mb"`
}

// NHC reads best-track and forecast files from the National Hurricane
// Center's ATCF archive.
type NHC struct {
	client *http.Client
}

func NewNHC(client *http.Client) *NHC {
	return &NHC{client: client}
}

var btkFile = regexp.MustCompile(`b(al|ep|cp|wp)(\d{2})(\d{4})\.dat`)

// DiscoverStorms lists the storms with a best track published for the year.
func (n *NHC) DiscoverStorms(ctx context.Context, year int) ([]Storm, error) {
	listing, err := n.get(ctx, nhcBase+"/btk/")
	if err != nil {
		return nil, err
	}
	seen := map[Storm]bool{}
	var storms []Storm
	for _, match := range btkFile.FindAllStringSubmatch(string(listing), -1) {
		if atoi(match[3]) != year {
			continue
		}
		s := Storm{Basin: strings.ToUpper(match[1]), Number: atoi(match[2]), Year: year}
		if !seen[s] {
			seen[s] = true
			storms = append(storms, s)
		}
	}
	return storms, nil
}

// FetchBestTrack downloads the storm's rolling best-track file.
func (n *NHC) FetchBestTrack(ctx context.Context, s Storm) ([]byte, error) {
	return n.get(ctx, fmt.Sprintf("%s/btk/b%s%02d%d.dat", nhcBase, strings.ToLower(s.Basin), s.Number, s.Year))
}

// FetchForecast downloads the storm's latest official forecast file.
func (n *NHC) FetchForecast(ctx context.Context, s Storm) ([]byte, error) {
	return n.get(ctx, fmt.Sprintf("%s/fst/%s%02d%d.fst", nhcBase, strings.ToLower(s.Basin), s.Number, s.Year))
}

func (n *NHC) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ParseATCF reads the fixed-order comma-separated ATCF deck format. Lines
// that do not parse are skipped; NHC appends malformed lines occasionally
// and the rest of the deck is still usable.
func ParseATCF(raw []byte) []TrackPoint {
	var points []TrackPoint
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 10 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		t, err := time.ParseInLocation("2006010215", fields[2], time.UTC)
		if err != nil {
			continue
		}
		tau, err := strconv.Atoi(fields[5])
		if err != nil {
			continue
		}
		lat, ok := parseATCFCoord(fields[6], "N", "S")
		if !ok {
			continue
		}
		lon, ok := parseATCFCoord(fields[7], "E", "W")
		if !ok {
			continue
		}
		points = append(points, TrackPoint{
			Time:        t.Add(time.Duration(tau) * time.Hour),
			Tau:         tau,
			Lat:         lat,
			Lon:         lon,
			MaxWindKt:   atoi(fields[8]),
			MinPressure: atoi(fields[9]),
		})
	}
	return points
}

// parseATCFCoord decodes values like "257N" or "0901W": tenths of a degree
// with a hemisphere suffix.
func parseATCFCoord(s, pos, neg string) (float64, bool) {
	var sign float64
	switch {
	case strings.HasSuffix(s, pos):
		sign = 1
	case strings.HasSuffix(s, neg):
		sign = -1
	default:
		return 0, false
	}
	v, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, false
	}
	return sign * float64(v) / 10, true
}

// TrackEntryFor assembles a catalog row from a fetched deck. The geometry is
// stored as a GeoJSON LineString so the status endpoint can serve it
// directly.
func TrackEntryFor(kind catalog.TrackKind, s Storm, advisory string, key string, raw []byte) (catalog.TrackEntry, error) {
	points := ParseATCF(raw)
	if len(points) == 0 {
		return catalog.TrackEntry{}, fmt.Errorf("deck for %s%02d%d contains no usable fixes", s.Basin, s.Number, s.Year)
	}
	start, end := points[0].Time, points[0].Time
	coords := make([][2]float64, 0, len(points))
	for _, p := range points {
		if p.Time.Before(start) {
			start = p.Time
		}
		if p.Time.After(end) {
			end = p.Time
		}
		coords = append(coords, [2]float64{p.Lon, p.Lat})
	}
	geometry, err := json.Marshal(map[string]any{
		"type":        "LineString",
		"coordinates": coords,
	})
	if err != nil {
		return catalog.TrackEntry{}, err
	}
	sum := md5.Sum(raw)
	return catalog.TrackEntry{
		Kind:             kind,
		StormYear:        s.Year,
		Basin:            s.Basin,
		StormNumber:      s.Number,
		Advisory:         advisory,
		AdvisoryStart:    start,
		AdvisoryEnd:      end,
		AdvisoryDuration: int(end.Sub(start).Hours()),
		StorageKey:       key,
		MD5:              hex.EncodeToString(sum[:]),
		Geometry:         geometry,
	}, nil
}
