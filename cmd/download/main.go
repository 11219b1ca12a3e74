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

// The download binary runs one ingestion pass for one service and exits;
// an external scheduler invokes it per service on each service's cadence.
package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/download"
	"github.com/metget/metget-server/pkg/objectstore"
	"github.com/metget/metget-server/pkg/operator"
	"github.com/metget/metget-server/pkg/operator/options"
	"github.com/metget/metget-server/pkg/sources"
	"github.com/metget/metget-server/pkg/sources/adapters"
)

func main() {
	opts := options.New().MustParse(options.ForDownloader)
	ctx, op, err := operator.NewOperator(context.Background(), opts)
	if err != nil {
		panic(err)
	}
	defer op.Close()
	op.ServeMetrics(ctx)

	cat := catalog.NewPostgresStore(op.Pool)
	store := objectstore.NewClient(op.S3, op.S3Presign, opts.DataBucket)
	httpClient := &http.Client{Timeout: opts.CandidateTimeout}
	svc := sources.Service(opts.DownloadService)
	log := op.Log.With(zap.String("service", opts.DownloadService))

	if svc == sources.NHC {
		tracks := download.NewTrackLoop(adapters.NewNHC(httpClient), cat, store, op.Log, op.Clock)
		stats, err := tracks.RunOnce(ctx, op.Clock.Now().UTC().Year())
		if err != nil {
			log.Fatal("track ingestion failed", zap.Error(err))
		}
		log.Info("track ingestion finished",
			zap.Int("storms", stats.Discovered),
			zap.Int("ingested", stats.Ingested),
			zap.Int("unchanged", stats.Skipped),
			zap.Int("failed", stats.Failed))
		return
	}

	registry := sources.NewRegistry(
		adapters.NewGFS(httpClient),
		adapters.NewNAM(httpClient),
		adapters.NewGEFS(httpClient),
		adapters.NewHRRRConus(httpClient),
		adapters.NewHRRRAlaska(httpClient),
		adapters.NewWPC(httpClient),
		adapters.NewHAFS(httpClient, sources.HAFSA),
		adapters.NewHAFS(httpClient, sources.HAFSB),
		adapters.NewCOAMPS(op.S3, opts.CoampsBucket),
	)
	loop := download.NewLoop(registry, cat, store, op.Log, op.Clock, opts.CandidateTimeout)

	now := op.Clock.Now().UTC()
	start := now.Add(-opts.DownloadLookback)
	end := now.Add(opts.DownloadLookahead)
	if _, err := loop.RunOnce(ctx, svc, start, end); err != nil {
		log.Fatal("ingestion failed", zap.Error(err))
	}
	if opts.Retention > 0 {
		retainCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if err := loop.Retain(retainCtx, svc, opts.Retention); err != nil {
			log.Warn("retention pass failed", zap.Error(err))
		}
	}
}
