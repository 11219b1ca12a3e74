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
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/metget/metget-server/pkg/api"
	"github.com/metget/metget-server/pkg/auth"
	"github.com/metget/metget-server/pkg/bus"
	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/credits"
	"github.com/metget/metget-server/pkg/objectstore"
	"github.com/metget/metget-server/pkg/operator"
	"github.com/metget/metget-server/pkg/operator/options"
	"github.com/metget/metget-server/pkg/requests"
)

func main() {
	opts := options.New().MustParse(options.ForAPI)
	ctx, op, err := operator.NewOperator(context.Background(), opts)
	if err != nil {
		panic(err)
	}
	defer op.Close()

	requestStore := requests.NewPostgresStore(op.Pool)
	server := api.NewServer(api.Config{
		Auth:           auth.NewPostgresAuthenticator(op.Pool, op.Clock),
		Ledger:         credits.NewLedger(requestStore, opts.EnforceCreditLimits),
		Requests:       requestStore,
		Catalog:        catalog.NewPostgresStore(op.Pool),
		Queue:          bus.NewSQSBus(op.SQS, opts.QueueURL, opts.VisibilityTimeout),
		Uploads:        objectstore.NewClient(op.S3, op.S3Presign, opts.UploadBucket),
		Log:            op.Log,
		Clock:          op.Clock,
		PresignTTL:     opts.PresignTTL,
		RatePerSecond:  opts.RateLimitPerSecond,
		RequestTimeout: opts.RequestTimeout,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.APIPort),
		Handler: server.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	op.Log.Info("request api listening", zap.Int("port", opts.APIPort))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		op.Log.Fatal("api server stopped", zap.Error(err))
	}
}
