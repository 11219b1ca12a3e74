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

package fake

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/sources"
)

// CatalogStore is an in-memory catalog with the same ordering semantics as
// the Postgres implementation.
type CatalogStore struct {
	mu      sync.RWMutex
	entries []catalog.Entry
	tracks  []catalog.TrackEntry

	NextError AtomicError
}

func NewCatalogStore() *CatalogStore {
	return &CatalogStore{}
}

// Reset must be called between tests otherwise tests will pollute each
// other.
func (s *CatalogStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.tracks = nil
	s.NextError.Reset()
}

func identityEqual(a, b catalog.Entry) bool {
	return a.Service == b.Service &&
		a.ForecastCycle.Equal(b.ForecastCycle) &&
		a.ValidTime.Equal(b.ValidTime) &&
		a.EnsembleMember == b.EnsembleMember &&
		a.StormName == b.StormName
}

func matches(e catalog.Entry, svc sources.Service, c catalog.Constraints) bool {
	if e.Service != svc {
		return false
	}
	if c.EnsembleMember != "" && e.EnsembleMember != c.EnsembleMember {
		return false
	}
	if c.StormName != "" && e.StormName != c.StormName {
		return false
	}
	return true
}

func (s *CatalogStore) Upsert(_ context.Context, e catalog.Entry) (catalog.UpsertResult, error) {
	if err := s.NextError.Get(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if identityEqual(s.entries[i], e) {
			s.entries[i].StorageKey = e.StorageKey
			s.entries[i].URL = e.URL
			s.entries[i].Accessed = time.Now()
			return catalog.Updated, nil
		}
	}
	s.entries = append(s.entries, e)
	return catalog.Inserted, nil
}

func (s *CatalogStore) Has(_ context.Context, e catalog.Entry) (bool, error) {
	if err := s.NextError.Get(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.ContainsBy(s.entries, func(x catalog.Entry) bool { return identityEqual(x, e) }), nil
}

func (s *CatalogStore) FindCovering(_ context.Context, svc sources.Service, t time.Time, c catalog.Constraints) ([]catalog.Entry, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := lo.Filter(s.entries, func(e catalog.Entry, _ int) bool {
		return matches(e, svc, c) && e.ValidTime.Equal(t)
	})
	slices.SortFunc(rows, func(a, b catalog.Entry) int {
		if cmp := b.ForecastCycle.Compare(a.ForecastCycle); cmp != 0 {
			return cmp
		}
		if a.Tau != b.Tau {
			return a.Tau - b.Tau
		}
		return strings.Compare(a.StorageKey, b.StorageKey)
	})
	return rows, nil
}

func (s *CatalogStore) Cycles(_ context.Context, svc sources.Service, c catalog.Constraints) ([]time.Time, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cycles := lo.Uniq(lo.FilterMap(s.entries, func(e catalog.Entry, _ int) (time.Time, bool) {
		return e.ForecastCycle, matches(e, svc, c)
	}))
	slices.SortFunc(cycles, func(a, b time.Time) int { return b.Compare(a) })
	return cycles, nil
}

func (s *CatalogStore) CycleEntries(_ context.Context, svc sources.Service, cycle time.Time, c catalog.Constraints) ([]catalog.Entry, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := lo.Filter(s.entries, func(e catalog.Entry, _ int) bool {
		return matches(e, svc, c) && e.ForecastCycle.Equal(cycle)
	})
	slices.SortFunc(rows, func(a, b catalog.Entry) int { return a.ValidTime.Compare(b.ValidTime) })
	return rows, nil
}

func (s *CatalogStore) CycleRange(_ context.Context, svc sources.Service) (time.Time, time.Time, bool, error) {
	if err := s.NextError.Get(); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	cycles, _ := s.Cycles(context.Background(), svc, catalog.Constraints{})
	if len(cycles) == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	return cycles[len(cycles)-1], cycles[0], true, nil
}

func (s *CatalogStore) ExpiredKeys(_ context.Context, svc sources.Service, cutoff time.Time) ([]string, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.FilterMap(s.entries, func(e catalog.Entry, _ int) (string, bool) {
		return e.StorageKey, e.Service == svc && e.ForecastCycle.Before(cutoff)
	}), nil
}

func (s *CatalogStore) DeleteOlderThan(_ context.Context, svc sources.Service, cutoff time.Time) (int64, error) {
	if err := s.NextError.Get(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	s.entries = lo.Reject(s.entries, func(e catalog.Entry, _ int) bool {
		return e.Service == svc && e.ForecastCycle.Before(cutoff)
	})
	return int64(before - len(s.entries)), nil
}

func trackIdentity(t catalog.TrackEntry, q catalog.TrackQuery) bool {
	if t.Kind != q.Kind || t.StormYear != q.StormYear || t.Basin != q.Basin || t.StormNumber != q.StormNumber {
		return false
	}
	return t.Kind == catalog.BestTrack || t.Advisory == q.Advisory
}

func (s *CatalogStore) UpsertTrack(_ context.Context, t catalog.TrackEntry) (catalog.UpsertResult, error) {
	if err := s.NextError.Get(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := catalog.TrackQuery{Kind: t.Kind, StormYear: t.StormYear, Basin: t.Basin, StormNumber: t.StormNumber, Advisory: t.Advisory}
	for i := range s.tracks {
		if trackIdentity(s.tracks[i], q) {
			s.tracks[i] = t
			return catalog.Updated, nil
		}
	}
	s.tracks = append(s.tracks, t)
	return catalog.Inserted, nil
}

func (s *CatalogStore) FindTrack(_ context.Context, q catalog.TrackQuery) (*catalog.TrackEntry, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.tracks {
		if trackIdentity(s.tracks[i], q) {
			t := s.tracks[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (s *CatalogStore) TrackMD5(ctx context.Context, q catalog.TrackQuery) (string, error) {
	t, err := s.FindTrack(ctx, q)
	if err != nil || t == nil {
		return "", err
	}
	return t.MD5, nil
}

// Len reports the number of gridded entries, for assertions.
func (s *CatalogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
