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

// Package operator bootstraps shared process infrastructure: options,
// logging, the database pool with migrations applied, and the AWS clients.
// Each binary builds its own components on top of one Operator.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"

	"github.com/metget/metget-server/pkg/catalog"
	"github.com/metget/metget-server/pkg/operator/options"
)

type Operator struct {
	Options   *options.Options
	Log       *zap.Logger
	Pool      *pgxpool.Pool
	S3        *s3.Client
	S3Presign *s3.PresignClient
	SQS       *sqs.Client
	Clock     clock.Clock
}

// NewOperator wires the shared infrastructure. The returned context is
// cancelled on SIGINT/SIGTERM.
func NewOperator(ctx context.Context, opts *options.Options) (context.Context, *Operator, error) {
	ctx, _ = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	log, err := newLogger(opts.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("creating database pool, %w", err)
	}
	if err := catalog.Migrate(ctx, pool); err != nil {
		return nil, nil, err
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.AWSRegion))
	if err != nil {
		return nil, nil, fmt.Errorf("loading aws config, %w", err)
	}
	s3client := s3.NewFromConfig(cfg)

	return ctx, &Operator{
		Options:   opts,
		Log:       log,
		Pool:      pool,
		S3:        s3client,
		S3Presign: s3.NewPresignClient(s3client),
		SQS:       sqs.NewFromConfig(cfg),
		Clock:     clock.RealClock{},
	}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q, %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// ServeMetrics exposes /metrics and /healthz on the metrics port in the
// background. The downloader and worker use it; the API serves both on its
// own router.
func (o *Operator) ServeMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: fmt.Sprintf(":%d", o.Options.MetricsPort), Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.Log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

// Close releases the shared resources.
func (o *Operator) Close() {
	o.Pool.Close()
	_ = o.Log.Sync()
}
