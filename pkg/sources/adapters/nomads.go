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

// Package adapters implements the upstream source adapters: the NCEP NOMADS
// HTTP models, the HAFS storm nests, the COAMPS-TC S3 feed and the NHC
// track files.
package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/sources"
)

const nomadsBase = "https://nomads.ncep.noaa.gov/pub/data/nccf/com"

// nomads is the shared shape of the NCEP HTTP-listing adapters: one
// directory per cycle, one GRIB file per lead time, lead time encoded in
// the filename.
type nomads struct {
	service sources.Service
	client  *http.Client
	// listURL returns the cycle's directory listing URL.
	listURL func(cycle time.Time) string
	// pattern matches one data file in the listing; the capture groups are
	// interpreted by parse.
	pattern *regexp.Regexp
	// parse extracts the candidate identity from one filename match.
	parse func(cycle time.Time, match []string) (sources.Candidate, bool)
}

func (n *nomads) Service() sources.Service { return n.service }

func (n *nomads) Discover(ctx context.Context, start, end time.Time) ([]sources.Candidate, error) {
	f, err := sources.FromService(string(n.service))
	if err != nil {
		return nil, err
	}
	var candidates []sources.Candidate
	for cycle := start.UTC().Truncate(f.CycleInterval); !cycle.After(end.UTC()); cycle = cycle.Add(f.CycleInterval) {
		listing, err := n.fetchURL(ctx, n.listURL(cycle))
		if err != nil {
			if errors.IsNotFound(err) {
				// The cycle's directory is not published yet.
				continue
			}
			return nil, err
		}
		seen := map[string]bool{}
		for _, match := range n.pattern.FindAllStringSubmatch(string(listing), -1) {
			if seen[match[0]] {
				continue
			}
			seen[match[0]] = true
			if c, ok := n.parse(cycle, match); ok {
				candidates = append(candidates, c)
			}
		}
	}
	return sortCandidates(candidates), nil
}

func (n *nomads) Fetch(ctx context.Context, c sources.Candidate) ([]byte, error) {
	return n.fetchURL(ctx, c.URL)
}

func (n *nomads) fetchURL(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Unrecoverable(errors.WithKind(errors.KindNotFound, fmt.Errorf("%s not found", url)))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return errors.WithKind(errors.KindUpstreamUnavailable, fmt.Errorf("%s returned %d", url, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return retry.Unrecoverable(fmt.Errorf("%s returned %d", url, resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// sortCandidates orders by (cycle, valid_time, member) ascending, the order
// the downloader contract promises.
func sortCandidates(candidates []sources.Candidate) []sources.Candidate {
	slices.SortFunc(candidates, func(a, b sources.Candidate) int {
		if c := a.Cycle.Compare(b.Cycle); c != 0 {
			return c
		}
		if c := a.ValidTime.Compare(b.ValidTime); c != 0 {
			return c
		}
		return strings.Compare(a.EnsembleMember+a.StormName, b.EnsembleMember+b.StormName)
	})
	return candidates
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
