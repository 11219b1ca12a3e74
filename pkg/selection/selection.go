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

// Package selection turns a validated build request into a deterministic
// plan: for every output timestep and every domain, either the catalog row
// to use or a hole. Given the same catalog snapshot and request, the plan is
// identical down to the byte.
package selection

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/metget/metget-server/pkg/buildspec"
	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/sources"
)

// Slot is one (timestep, domain) cell of the plan. A nil Entry is a hole.
type Slot struct {
	Time  time.Time
	Entry *catalog.Entry
}

// DomainPlan is the per-domain column of the plan. Track domains carry a
// TrackQuery instead of slots; their payload is storm geometry, not gridded
// fields.
type DomainPlan struct {
	Domain buildspec.Domain
	Family sources.Family
	Slots  []Slot
	Track  *catalog.TrackQuery
}

// Hole names one missing (domain, timestep) cell.
type Hole struct {
	Domain string
	Time   time.Time
}

func (h Hole) String() string {
	return fmt.Sprintf("%s@%s", h.Domain, h.Time.UTC().Format(time.RFC3339))
}

// Plan is the full selection result, domains in ascending level order.
type Plan struct {
	Steps   []time.Time
	Domains []DomainPlan
}

// Holes lists every empty gridded slot.
func (p *Plan) Holes() []Hole {
	var holes []Hole
	for _, dp := range p.Domains {
		for _, s := range dp.Slots {
			if s.Entry == nil {
				holes = append(holes, Hole{Domain: dp.Domain.Name, Time: s.Time})
			}
		}
	}
	return holes
}

// Unfillable returns the holes that terminate the request. Without backfill
// every hole is fatal; with backfill a hole survives only when some
// lower-level domain covers the same timestep.
func (p *Plan) Unfillable(backfill bool) []Hole {
	if !backfill {
		return p.Holes()
	}
	covered := map[time.Time]int{}
	var holes []Hole
	for _, dp := range p.Domains {
		for _, s := range dp.Slots {
			if s.Entry == nil {
				if covered[s.Time] == 0 {
					holes = append(holes, Hole{Domain: dp.Domain.Name, Time: s.Time})
				}
			} else {
				covered[s.Time]++
			}
		}
	}
	return holes
}

// Engine builds plans against a catalog snapshot.
type Engine struct {
	store catalog.Store
}

func NewEngine(store catalog.Store) *Engine {
	return &Engine{store: store}
}

// Build resolves the spec into a plan. Coverage holes are represented in the
// plan, not returned as errors; the caller decides their fate from the
// request's backfill flag.
func (e *Engine) Build(ctx context.Context, spec *buildspec.Spec) (*Plan, error) {
	steps := spec.Timesteps()
	plan := &Plan{Steps: steps}

	// Ascending level: lower levels are the backfill base.
	domains := append([]buildspec.Domain(nil), spec.Domains...)
	slices.SortStableFunc(domains, func(a, b buildspec.Domain) int { return a.Level - b.Level })

	for _, d := range domains {
		f, err := sources.FromService(d.Service)
		if err != nil {
			return nil, errors.WithKind(errors.KindValidation, err)
		}
		if f.Class == sources.ClassTrack {
			plan.Domains = append(plan.Domains, DomainPlan{
				Domain: d,
				Family: f,
				Track: &catalog.TrackQuery{
					Kind:        trackKind(d),
					StormYear:   d.StormYear,
					Basin:       d.Basin,
					StormNumber: stormNumber(d.Storm),
					Advisory:    d.Advisory,
				},
			})
			continue
		}
		dp, err := e.buildDomain(ctx, spec, d, f, steps)
		if err != nil {
			return nil, err
		}
		plan.Domains = append(plan.Domains, dp)
	}
	return plan, nil
}

func trackKind(d buildspec.Domain) catalog.TrackKind {
	if d.Advisory == "" {
		return catalog.BestTrack
	}
	return catalog.ForecastTrack
}

// stormNumber tolerates storm selectors given as bare numbers; named storms
// resolve to zero and are matched by the adapter's naming convention.
func stormNumber(storm string) int {
	var n int
	_, _ = fmt.Sscanf(storm, "%d", &n)
	return n
}

func (e *Engine) buildDomain(ctx context.Context, spec *buildspec.Spec, d buildspec.Domain, f sources.Family, steps []time.Time) (DomainPlan, error) {
	member, storm := d.Constraints()
	constraints := catalog.Constraints{EnsembleMember: member, StormName: storm}

	// Accumulated parameters carry no data at tau 0, so the minimum usable
	// lead time moves to one hour.
	minTau := 0
	if f.SkipTauZero(spec.DataType) {
		minTau = 1
	}

	dp := DomainPlan{Domain: d, Family: f, Slots: make([]Slot, 0, len(steps))}

	switch {
	case spec.Nowcast:
		for _, t := range steps {
			entry, err := e.pick(ctx, f, t, constraints, func(en catalog.Entry) bool {
				return effectiveTau(f, en) == minTau
			})
			if err != nil {
				return DomainPlan{}, err
			}
			dp.Slots = append(dp.Slots, Slot{Time: t, Entry: entry})
		}
	case !spec.MultipleForecasts:
		slots, err := e.singleForecast(ctx, f, constraints, steps, minTau)
		if err != nil {
			return DomainPlan{}, err
		}
		dp.Slots = slots
	default:
		for _, t := range steps {
			entry, err := e.pick(ctx, f, t, constraints, func(en catalog.Entry) bool {
				return effectiveTau(f, en) >= minTau
			})
			if err != nil {
				return DomainPlan{}, err
			}
			dp.Slots = append(dp.Slots, Slot{Time: t, Entry: entry})
		}
	}
	return dp, nil
}

// effectiveTau treats every row of an analysis family as lead time zero.
func effectiveTau(f sources.Family, e catalog.Entry) int {
	if f.Analysis {
		return 0
	}
	return e.Tau
}

// pick returns the first covering row accepted by keep. FindCovering orders
// rows newest cycle first, then tau ascending, then storage key, so the
// first acceptable row is the deterministic winner.
func (e *Engine) pick(ctx context.Context, f sources.Family, t time.Time, c catalog.Constraints, keep func(catalog.Entry) bool) (*catalog.Entry, error) {
	rows, err := e.store.FindCovering(ctx, f.Service, t, c)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if keep(rows[i]) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// singleForecast pins the whole window to one forecast cycle: the newest
// cycle that covers every timestep. When no single cycle covers the window
// the best-covering cycle is used and the remainder becomes holes, letting
// the backfill rule decide whether the request survives.
func (e *Engine) singleForecast(ctx context.Context, f sources.Family, c catalog.Constraints, steps []time.Time, minTau int) ([]Slot, error) {
	cycles, err := e.store.Cycles(ctx, f.Service, c)
	if err != nil {
		return nil, err
	}

	var best []Slot
	bestCovered := -1
	for _, cycle := range cycles {
		entries, err := e.store.CycleEntries(ctx, f.Service, cycle, c)
		if err != nil {
			return nil, err
		}
		byTime := lo.KeyBy(entries, func(en catalog.Entry) time.Time { return en.ValidTime })
		slots := make([]Slot, 0, len(steps))
		covered := 0
		for _, t := range steps {
			if en, ok := byTime[t]; ok && effectiveTau(f, en) >= minTau {
				en := en
				slots = append(slots, Slot{Time: t, Entry: &en})
				covered++
			} else {
				slots = append(slots, Slot{Time: t, Entry: nil})
			}
		}
		if covered == len(steps) {
			return slots, nil
		}
		if covered > bestCovered {
			best, bestCovered = slots, covered
		}
	}
	if best == nil {
		best = lo.Map(steps, func(t time.Time, _ int) Slot { return Slot{Time: t} })
	}
	return best, nil
}
