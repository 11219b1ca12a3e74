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

// Package download orchestrates one ingestion pass for one upstream
// service: discover candidates, skip what the catalog already holds, fetch
// the rest, store the blob, then catalog it. Candidate failures are logged
// and skipped; one bad file never aborts the pass.
package download

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/metrics"
	"github.com/metget/metget-server/pkg/objectstore"
	"github.com/metget/metget-server/pkg/sources"
)

// Stats summarizes one pass.
type Stats struct {
	Discovered int
	Ingested   int
	Skipped    int
	Failed     int
}

type Loop struct {
	registry *sources.Registry
	catalog  catalog.Store
	store    objectstore.Store
	log      *zap.Logger
	clock    clock.Clock

	// fetchTimeout bounds one candidate; a slow upstream costs one file,
	// not the pass.
	fetchTimeout time.Duration
}

func NewLoop(registry *sources.Registry, cat catalog.Store, store objectstore.Store, log *zap.Logger, clk clock.Clock, fetchTimeout time.Duration) *Loop {
	return &Loop{registry: registry, catalog: cat, store: store, log: log, clock: clk, fetchTimeout: fetchTimeout}
}

// RunOnce ingests the service's cycles initialized within [start, end].
// Overlapping passes are safe: the catalog's uniqueness key collapses
// duplicate work into an upsert.
func (l *Loop) RunOnce(ctx context.Context, svc sources.Service, start, end time.Time) (Stats, error) {
	log := l.log.With(zap.String("service", string(svc)))
	adapter, err := l.registry.Get(svc)
	if err != nil {
		return Stats{}, err
	}

	candidates, err := adapter.Discover(ctx, start, end)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Discovered: len(candidates)}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		entry := catalog.Entry{
			Service:        c.Service,
			ForecastCycle:  c.Cycle,
			ValidTime:      c.ValidTime,
			Tau:            c.Tau,
			StorageKey:     c.Key(),
			URL:            c.URL,
			EnsembleMember: c.EnsembleMember,
			StormName:      c.StormName,
		}
		present, err := l.catalog.Has(ctx, entry)
		if err != nil {
			return stats, err
		}
		if present {
			stats.Skipped++
			metrics.FilesSkipped.WithLabelValues(string(svc), "present").Inc()
			continue
		}
		if err := l.ingest(ctx, adapter, c, entry); err != nil {
			stats.Failed++
			metrics.FilesSkipped.WithLabelValues(string(svc), "error").Inc()
			log.Warn("skipping candidate",
				zap.Time("cycle", c.Cycle),
				zap.Time("valid_time", c.ValidTime),
				zap.Error(err))
			continue
		}
		stats.Ingested++
		metrics.FilesIngested.WithLabelValues(string(svc)).Inc()
	}

	log.Info("ingestion pass finished",
		zap.Int("discovered", stats.Discovered),
		zap.Int("ingested", stats.Ingested),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

// ingest fetches and persists one candidate: blob first, catalog second, so
// a cataloged row always resolves to a stored object.
func (l *Loop) ingest(ctx context.Context, adapter sources.Adapter, c sources.Candidate, entry catalog.Entry) error {
	fetchCtx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()

	start := l.clock.Now()
	raw, err := adapter.Fetch(fetchCtx, c)
	metrics.DownloadDuration.WithLabelValues(string(c.Service)).Observe(l.clock.Since(start).Seconds())
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, entry.StorageKey, raw); err != nil {
		return err
	}
	if _, err := l.catalog.Upsert(ctx, entry); err != nil {
		return err
	}
	return nil
}

// Retain applies the retention policy: blobs are deleted before their
// catalog rows so the catalog never points at a missing object.
func (l *Loop) Retain(ctx context.Context, svc sources.Service, keep time.Duration) error {
	cutoff := l.clock.Now().Add(-keep)
	keys, err := l.catalog.ExpiredKeys(ctx, svc, cutoff)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := l.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	n, err := l.catalog.DeleteOlderThan(ctx, svc, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		l.log.Info("retention pass removed rows", zap.String("service", string(svc)), zap.Int64("rows", n))
	}
	return nil
}
