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

package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/metrics"
	"github.com/metget/metget-server/pkg/objectstore"
	"github.com/metget/metget-server/pkg/sources"
	"github.com/metget/metget-server/pkg/sources/adapters"
)

// TrackLoop ingests NHC best tracks and forecast decks. Decks are rolling
// files, so ingestion is dedup-by-digest: an unchanged deck costs one fetch
// and no writes.
type TrackLoop struct {
	nhc     *adapters.NHC
	catalog catalog.Store
	store   objectstore.Store
	log     *zap.Logger
	clock   clock.Clock
}

func NewTrackLoop(nhc *adapters.NHC, cat catalog.Store, store objectstore.Store, log *zap.Logger, clk clock.Clock) *TrackLoop {
	return &TrackLoop{nhc: nhc, catalog: cat, store: store, log: log, clock: clk}
}

// RunOnce refreshes every storm with a published deck for the year.
func (l *TrackLoop) RunOnce(ctx context.Context, year int) (Stats, error) {
	storms, err := l.nhc.DiscoverStorms(ctx, year)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Discovered: len(storms)}
	for _, s := range storms {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := l.ingestStorm(ctx, s, &stats); err != nil {
			stats.Failed++
			metrics.FilesSkipped.WithLabelValues(string(sources.NHC), "error").Inc()
			l.log.Warn("skipping storm",
				zap.String("basin", s.Basin),
				zap.Int("storm", s.Number),
				zap.Error(err))
		}
	}
	return stats, nil
}

func (l *TrackLoop) ingestStorm(ctx context.Context, s adapters.Storm, stats *Stats) error {
	best, err := l.nhc.FetchBestTrack(ctx, s)
	if err != nil {
		return err
	}
	if err := l.upsertDeck(ctx, catalog.BestTrack, s, "", best, stats); err != nil {
		return err
	}

	forecast, err := l.nhc.FetchForecast(ctx, s)
	if err != nil {
		// Storms past their last advisory keep a best track but lose the
		// forecast deck.
		return nil
	}
	advisory := forecastAdvisory(forecast)
	return l.upsertDeck(ctx, catalog.ForecastTrack, s, advisory, forecast, stats)
}

func (l *TrackLoop) upsertDeck(ctx context.Context, kind catalog.TrackKind, s adapters.Storm, advisory string, raw []byte, stats *Stats) error {
	sum := md5.Sum(raw)
	digest := hex.EncodeToString(sum[:])

	existing, err := l.catalog.TrackMD5(ctx, catalog.TrackQuery{
		Kind: kind, StormYear: s.Year, Basin: s.Basin, StormNumber: s.Number, Advisory: advisory,
	})
	if err != nil {
		return err
	}
	if existing == digest {
		stats.Skipped++
		metrics.FilesSkipped.WithLabelValues(string(sources.NHC), "unchanged").Inc()
		return nil
	}

	key := trackKey(kind, s, advisory)
	entry, err := adapters.TrackEntryFor(kind, s, advisory, key, raw)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, key, raw); err != nil {
		return err
	}
	if _, err := l.catalog.UpsertTrack(ctx, entry); err != nil {
		return err
	}
	stats.Ingested++
	metrics.FilesIngested.WithLabelValues(string(sources.NHC)).Inc()
	return nil
}

func trackKey(kind catalog.TrackKind, s adapters.Storm, advisory string) string {
	base := fmt.Sprintf("nhc/%s/%d/%s/%02d", kind, s.Year, strings.ToLower(s.Basin), s.Number)
	if advisory != "" {
		base += "/" + advisory
	}
	return base + ".dat"
}

// forecastAdvisory derives an advisory label from the deck's initialization
// time; NHC does not number the .fst files themselves.
func forecastAdvisory(raw []byte) string {
	points := adapters.ParseATCF(raw)
	if len(points) == 0 {
		return "latest"
	}
	init := points[0].Time.Add(-time.Duration(points[0].Tau) * time.Hour)
	return init.UTC().Format("2006010215")
}
