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

// Package sources declares the upstream meteorological services metget-server
// knows how to ingest and select from, together with the capability interface
// a downloader adapter implements for each of them.
package sources

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
)

// Service is the user-facing selector for an upstream model.
type Service string

const (
	GFS        Service = "gfs-ncep"
	NAM        Service = "nam-ncep"
	GEFS       Service = "gefs-ncep"
	HRRRConus  Service = "hrrr-conus"
	HRRRAlaska Service = "hrrr-alaska"
	WPC        Service = "wpc-ncep"
	HAFSA      Service = "hafs-a"
	HAFSB      Service = "hafs-b"
	CoampsTC   Service = "coamps-tc"
	NHC        Service = "nhc"
)

// Class determines the identity shape of a family's catalog rows.
type Class int

const (
	// ClassGeneric rows are identified by (cycle, valid_time) alone.
	ClassGeneric Class = iota
	// ClassEnsemble rows additionally carry an ensemble member.
	ClassEnsemble
	// ClassStorm rows additionally carry a storm name.
	ClassStorm
	// ClassStormEnsemble rows carry both a storm name and a member.
	ClassStormEnsemble
	// ClassTrack rows are tropical cyclone track advisories, not gridded
	// fields; they are selected by storm identity rather than time window.
	ClassTrack
)

// Family describes one model family: its catalog table, identity class and
// cycle cadence.
type Family struct {
	Service       Service
	Table         string
	Class         Class
	CycleInterval time.Duration
	// Analysis families carry no lead time; every row is treated as tau 0.
	Analysis bool
	// accumulated parameters are undefined at tau 0 for these variables, so
	// selection bumps the minimum tau to 1 when one of them is requested.
	accumulatedVars []string
}

// SkipTauZero reports whether the requested parameter is accumulated for this
// family, in which case a tau 0 row carries no usable data.
func (f Family) SkipTauZero(param string) bool {
	return lo.Contains(f.accumulatedVars, param)
}

var families = map[Service]Family{
	GFS:        {Service: GFS, Table: "gfs_ncep", Class: ClassGeneric, CycleInterval: 6 * time.Hour, accumulatedVars: []string{"rain", "precipitation"}},
	NAM:        {Service: NAM, Table: "nam_ncep", Class: ClassGeneric, CycleInterval: 6 * time.Hour, accumulatedVars: []string{"rain", "precipitation"}},
	GEFS:       {Service: GEFS, Table: "gefs_fcst", Class: ClassEnsemble, CycleInterval: 6 * time.Hour, accumulatedVars: []string{"rain", "precipitation"}},
	HRRRConus:  {Service: HRRRConus, Table: "hrrr_ncep", Class: ClassGeneric, CycleInterval: time.Hour, accumulatedVars: []string{"rain", "precipitation"}},
	HRRRAlaska: {Service: HRRRAlaska, Table: "hrrr_alaska_ncep", Class: ClassGeneric, CycleInterval: 3 * time.Hour, accumulatedVars: []string{"rain", "precipitation"}},
	WPC:        {Service: WPC, Table: "wpc_ncep", Class: ClassGeneric, CycleInterval: 6 * time.Hour, accumulatedVars: []string{"rain", "precipitation"}},
	HAFSA:      {Service: HAFSA, Table: "ncep_hafs_a", Class: ClassStorm, CycleInterval: 6 * time.Hour},
	HAFSB:      {Service: HAFSB, Table: "ncep_hafs_b", Class: ClassStorm, CycleInterval: 6 * time.Hour},
	CoampsTC:   {Service: CoampsTC, Table: "coamps_tc", Class: ClassStorm, CycleInterval: 6 * time.Hour},
	NHC:        {Service: NHC, Table: "nhc_fcst", Class: ClassTrack},
}

// FromService resolves a service selector to its family descriptor.
func FromService(s string) (Family, error) {
	f, ok := families[Service(s)]
	if !ok {
		return Family{}, fmt.Errorf("unknown service %q", s)
	}
	return f, nil
}

// Services returns every known service selector, sorted.
func Services() []Service {
	keys := lo.Keys(families)
	slices.Sort(keys)
	return keys
}

// GriddedServices returns the services that produce gridded fields, i.e.
// everything except tropical cyclone tracks.
func GriddedServices() []Service {
	return lo.Filter(Services(), func(s Service, _ int) bool {
		return families[s].Class != ClassTrack
	})
}

// Candidate is one unseen upstream file an adapter discovered: the identity a
// catalog row will carry plus where to fetch it from.
type Candidate struct {
	Service        Service
	Cycle          time.Time
	ValidTime      time.Time
	Tau            int
	EnsembleMember string
	StormName      string
	URL            string
}

// Key derives the stable object-store path for the candidate:
// {service}/{cycle day}/{cycle hour}/{identity}/{valid time}.grb2
func (c Candidate) Key() string {
	key := fmt.Sprintf("%s/%s/%02d", c.Service, c.Cycle.UTC().Format("20060102"), c.Cycle.UTC().Hour())
	if c.StormName != "" {
		key += "/" + c.StormName
	}
	if c.EnsembleMember != "" {
		key += "/" + c.EnsembleMember
	}
	return fmt.Sprintf("%s/%s.grb2", key, c.ValidTime.UTC().Format("20060102T150405"))
}

// Adapter is the capability interface one upstream service implements.
// Adapters are stateless; everything they know about what has already been
// ingested lives in the catalog.
type Adapter interface {
	Service() Service
	// Discover lists the candidate files upstream currently offers for
	// cycles initialized within [start, end], in ascending
	// (cycle, valid_time, tau) order.
	Discover(ctx context.Context, start, end time.Time) ([]Candidate, error)
	// Fetch downloads the bytes for one candidate.
	Fetch(ctx context.Context, c Candidate) ([]byte, error)
}

// Registry maps service selectors to their adapters.
type Registry struct {
	adapters map[Service]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: lo.SliceToMap(adapters, func(a Adapter) (Service, Adapter) {
		return a.Service(), a
	})}
}

func (r *Registry) Get(s Service) (Adapter, error) {
	a, ok := r.adapters[s]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for service %q", s)
	}
	return a, nil
}
