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

package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/metget/metget-server/pkg/builder"
	"github.com/metget/metget-server/pkg/bus"
	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/objectstore"
	"github.com/metget/metget-server/pkg/operator"
	"github.com/metget/metget-server/pkg/operator/options"
	"github.com/metget/metget-server/pkg/regrid"
	"github.com/metget/metget-server/pkg/requests"
)

func main() {
	opts := options.New().MustParse(options.ForWorker)
	ctx, op, err := operator.NewOperator(context.Background(), opts)
	if err != nil {
		panic(err)
	}
	defer op.Close()
	op.ServeMetrics(ctx)

	worker := builder.New(builder.Config{
		Requests:     requests.NewPostgresStore(op.Pool),
		Catalog:      catalog.NewPostgresStore(op.Pool),
		Data:         objectstore.NewClient(op.S3, op.S3Presign, opts.DataBucket),
		Uploads:      objectstore.NewClient(op.S3, op.S3Presign, opts.UploadBucket),
		Regridder:    regrid.NewExecRegridder(opts.RegridCommand),
		Log:          op.Log,
		Clock:        op.Clock,
		Lease:        opts.VisibilityTimeout,
		MaxTries:     opts.MaxTries,
		Deadline:     opts.BuildDeadline,
		BlobCacheTTL: opts.BlobCacheTTL,
	})
	queue := bus.NewSQSBus(op.SQS, opts.QueueURL, opts.VisibilityTimeout)

	op.Log.Info("build worker starting", zap.Int("workers", opts.BackgroundWorkers))
	var wg sync.WaitGroup
	for i := 0; i < opts.BackgroundWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = worker.Run(ctx, queue, 1)
		}()
	}
	wg.Wait()
}
