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

// Package builder materializes accepted requests: it claims the request row,
// resolves a selection plan, regrids the selected fields, composes the
// domain stack, encodes the output and uploads it. Everything is idempotent
// against redelivered envelopes.
package builder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/metget/metget-server/pkg/buildspec"
	"github.com/metget/metget-server/pkg/bus"
	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/metrics"
	"github.com/metget/metget-server/pkg/objectstore"
	"github.com/metget/metget-server/pkg/output"
	"github.com/metget/metget-server/pkg/requests"
	"github.com/metget/metget-server/pkg/selection"
)

// Regridder is the external meteorological collaborator: it decodes one raw
// upstream field and interpolates the named variables onto the target grid.
type Regridder interface {
	Regrid(ctx context.Context, raw []byte, grid output.Grid, variables []string) (map[string][]float64, error)
}

// Builder consumes envelopes and drives one request each to a terminal
// state.
type Builder struct {
	requests  requests.Store
	selection *selection.Engine
	catalog   catalog.Store
	data      objectstore.Store
	uploads   objectstore.Store
	regridder Regridder
	blobs     *cache.Cache
	log       *zap.Logger
	clock     clock.Clock

	lease    time.Duration
	maxTries int
	deadline time.Duration
}

type Config struct {
	Requests  requests.Store
	Catalog   catalog.Store
	Data      objectstore.Store
	Uploads   objectstore.Store
	Regridder Regridder
	Log       *zap.Logger
	Clock     clock.Clock

	Lease        time.Duration
	MaxTries     int
	Deadline     time.Duration
	BlobCacheTTL time.Duration
}

func New(c Config) *Builder {
	return &Builder{
		requests:  c.Requests,
		selection: selection.NewEngine(c.Catalog),
		catalog:   c.Catalog,
		data:      c.Data,
		uploads:   c.Uploads,
		regridder: c.Regridder,
		blobs:     cache.New(c.BlobCacheTTL, 2*c.BlobCacheTTL),
		log:       c.Log,
		clock:     c.Clock,
		lease:     c.Lease,
		maxTries:  c.MaxTries,
		deadline:  c.Deadline,
	}
}

// Run consumes the bus until the context is cancelled.
func (b *Builder) Run(ctx context.Context, queue bus.Bus, batch int) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deliveries, err := queue.Receive(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("receiving from queue", zap.Error(err))
			continue
		}
		for _, d := range deliveries {
			b.Handle(ctx, d)
		}
	}
}

// Handle drives one delivery. It never returns an error: transient failures
// leave the message unacked for redelivery, terminal ones write the request
// row and ack.
func (b *Builder) Handle(ctx context.Context, d bus.Delivery) {
	requestID := d.Envelope.RequestID
	log := b.log.With(zap.String("request_id", requestID))

	r, ok, err := b.requests.Claim(ctx, requestID, b.lease)
	if err != nil {
		log.Warn("claiming request", zap.Error(err))
		return
	}
	if !ok {
		// Terminal or held by another worker. Terminal duplicates are
		// acked so they stop redelivering.
		existing, err := b.requests.Get(ctx, requestID)
		if err == nil && (existing.Status == requests.StatusCompleted || existing.Status == requests.StatusError) {
			if err := d.Ack(ctx); err != nil {
				log.Warn("acking duplicate delivery", zap.Error(err))
			}
		}
		return
	}
	log = log.With(zap.Int("try", r.Try))
	metrics.BuildsStarted.Inc()

	buildCtx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	start := b.clock.Now()
	err = b.build(buildCtx, r)
	metrics.BuildDuration.Observe(b.clock.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.BuildsCompleted.WithLabelValues("completed").Inc()
		if err := d.Ack(ctx); err != nil {
			log.Warn("acking completed request", zap.Error(err))
		}
		log.Info("request completed")
	case errors.IsTerminal(err):
		metrics.BuildsCompleted.WithLabelValues("error").Inc()
		if ferr := b.requests.Fail(ctx, requestID, err.Error()); ferr != nil {
			log.Warn("recording terminal failure", zap.Error(ferr))
		}
		if err := d.Ack(ctx); err != nil {
			log.Warn("acking failed request", zap.Error(err))
		}
		log.Info("request failed terminally", zap.Error(err))
	case r.Try >= b.maxTries:
		metrics.BuildsCompleted.WithLabelValues("error").Inc()
		msg := fmt.Sprintf("giving up after %d tries: %s", r.Try, err)
		if ferr := b.requests.Fail(ctx, requestID, msg); ferr != nil {
			log.Warn("recording retry exhaustion", zap.Error(ferr))
		}
		if err := d.Ack(ctx); err != nil {
			log.Warn("acking exhausted request", zap.Error(err))
		}
		log.Warn("retry budget exhausted", zap.Error(err))
	default:
		// Transient with budget left: release the row, leave the message
		// unacked so the visibility timeout redelivers it.
		if rerr := b.requests.Requeue(ctx, requestID, err.Error()); rerr != nil {
			log.Warn("requeueing request", zap.Error(rerr))
		}
		log.Warn("transient build failure, will retry", zap.Error(err))
	}
}

func (b *Builder) build(ctx context.Context, r *requests.Request) error {
	spec, err := buildspec.Parse(r.Input)
	if err != nil {
		return err
	}
	encoder, err := output.For(spec.Format)
	if err != nil {
		return err
	}

	plan, err := b.selection.Build(ctx, spec)
	if err != nil {
		return err
	}
	if holes := plan.Unfillable(spec.Backfill); len(holes) > 0 {
		names := lo.Map(holes, func(h selection.Hole, _ int) string { return h.String() })
		return errors.WithKind(errors.KindCoverageGap, fmt.Errorf(
			"no coverage for %d of %d timesteps: %s", len(holes), len(plan.Steps), strings.Join(names, ", ")))
	}

	snaps, err := b.compose(ctx, spec, plan)
	if err != nil {
		return err
	}

	files, err := encoder.Encode(spec, snaps)
	if err != nil {
		return fmt.Errorf("encoding %s output, %w", spec.Format, err)
	}
	// Overwriting the same keys on a retried build keeps replays
	// indistinguishable from a single run.
	for _, key := range spec.OutputKeys(r.RequestID) {
		ext := key[strings.LastIndex(key, "."):]
		body, ok := files[ext]
		if !ok {
			return fmt.Errorf("encoder produced no %s file", ext)
		}
		if err := b.uploads.Put(ctx, key, body); err != nil {
			return err
		}
	}

	message := fmt.Sprintf("built %d timesteps across %d domains", len(plan.Steps), len(plan.Domains))
	if err := b.requests.Complete(ctx, r.RequestID, spec.CreditCost(), message); err != nil {
		return err
	}
	return nil
}

// compose produces one snapshot per timestep on the highest-level domain's
// grid, walking the stack from the top and filling null cells from lower
// levels.
func (b *Builder) compose(ctx context.Context, spec *buildspec.Spec, plan *selection.Plan) ([]output.Snapshot, error) {
	gridded := lo.Filter(plan.Domains, func(dp selection.DomainPlan, _ int) bool { return dp.Track == nil })
	if len(gridded) == 0 {
		return nil, errors.WithKind(errors.KindValidation, fmt.Errorf("no gridded domains to compose"))
	}
	top := gridded[len(gridded)-1]
	grid := output.GridFor(top.Domain)
	variables := variablesFor(spec.DataType)

	snaps := make([]output.Snapshot, 0, len(plan.Steps))
	for si, t := range plan.Steps {
		values := map[string][]float64{}
		for _, v := range variables {
			cells := make([]float64, grid.NI*grid.NJ)
			for i := range cells {
				cells[i] = spec.NullValue
			}
			values[v] = cells
		}

		// Top of the stack down; a cell takes the first non-null value.
		for di := len(gridded) - 1; di >= 0; di-- {
			slot := gridded[di].Slots[si]
			if slot.Entry == nil {
				continue
			}
			raw, err := b.fetch(ctx, slot.Entry.StorageKey)
			if err != nil {
				return nil, err
			}
			fields, err := b.regridder.Regrid(ctx, raw, grid, variables)
			if err != nil {
				return nil, errors.WithKind(errors.KindUpstreamUnavailable, fmt.Errorf("regridding %s, %w", slot.Entry.StorageKey, err))
			}
			for _, v := range variables {
				dst, src := values[v], fields[v]
				for i := range dst {
					if dst[i] == spec.NullValue && src[i] != spec.NullValue {
						dst[i] = src[i]
					}
				}
			}
			if !spec.Backfill {
				break
			}
		}
		snaps = append(snaps, output.Snapshot{Time: t, Grid: grid, Values: values})
	}
	return snaps, nil
}

func (b *Builder) fetch(ctx context.Context, key string) ([]byte, error) {
	if cached, ok := b.blobs.Get(key); ok {
		return cached.([]byte), nil
	}
	raw, err := b.data.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b.blobs.SetDefault(key, raw)
	return raw, nil
}

func variablesFor(dataType string) []string {
	switch dataType {
	case "rain", "precipitation":
		return []string{output.VarRain}
	case "wind":
		return []string{output.VarWindU, output.VarWindV}
	default:
		return []string{output.VarWindU, output.VarWindV, output.VarPressure}
	}
}
