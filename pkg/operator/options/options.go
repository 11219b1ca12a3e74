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

package options

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/metget/metget-server/pkg/utils/env"
)

// Options for running the metget-server binaries. Constructed once at process
// start from flags and environment variables and never mutated afterwards.
type Options struct {
	*flag.FlagSet

	// Shared
	DatabaseURL     string
	MetricsPort     int
	LogLevel        string
	AWSRegion       string

	// Object storage
	DataBucket   string
	UploadBucket string
	PresignTTL   time.Duration

	// Message bus
	QueueURL          string
	VisibilityTimeout time.Duration

	// API
	APIPort             int
	EnforceCreditLimits bool
	RateLimitPerSecond  int
	RequestTimeout      time.Duration

	// Build worker
	MaxTries          int
	BuildDeadline     time.Duration
	BlobCacheTTL      time.Duration
	BackgroundWorkers int
	RegridCommand     string

	// Downloader
	DownloadService   string
	DownloadLookback  time.Duration
	DownloadLookahead time.Duration
	CandidateTimeout  time.Duration
	CoampsBucket      string
	Retention         time.Duration
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields.
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("metget", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("METGET_DATABASE_URL", ""), "Postgres DSN for the catalog, requests and apikeys tables")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METGET_METRICS_PORT", 8081), "The port the metrics endpoint binds to")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("METGET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&opts.AWSRegion, "aws-region", env.WithDefaultString("AWS_REGION", "us-east-1"), "AWS region for S3 and SQS clients")

	f.StringVar(&opts.DataBucket, "data-bucket", env.WithDefaultString("METGET_S3_BUCKET", ""), "Bucket holding ingested meteorological files")
	f.StringVar(&opts.UploadBucket, "upload-bucket", env.WithDefaultString("METGET_S3_BUCKET_UPLOAD", ""), "Bucket receiving built request outputs")
	f.DurationVar(&opts.PresignTTL, "presign-ttl", env.WithDefaultDuration("METGET_PRESIGN_TTL", 48*time.Hour), "Lifetime of presigned output URLs")

	f.StringVar(&opts.QueueURL, "queue-url", env.WithDefaultString("METGET_QUEUE_URL", ""), "SQS queue URL for build request envelopes")
	f.DurationVar(&opts.VisibilityTimeout, "visibility-timeout", env.WithDefaultDuration("METGET_VISIBILITY_TIMEOUT", 20*time.Minute), "Envelope visibility timeout while a worker holds it")

	f.IntVar(&opts.APIPort, "api-port", env.WithDefaultInt("METGET_API_PORT", 8080), "The port the request API binds to")
	f.BoolVar(&opts.EnforceCreditLimits, "enforce-credit-limits", env.WithDefaultBool("METGET_ENFORCE_CREDIT_LIMITS", true), "Deny requests that exceed the key's credit limit")
	f.IntVar(&opts.RateLimitPerSecond, "rate-limit", env.WithDefaultInt("METGET_RATE_LIMIT", 30), "Per-key request rate limit, requests per second")
	f.DurationVar(&opts.RequestTimeout, "request-timeout", env.WithDefaultDuration("METGET_REQUEST_TIMEOUT", 120*time.Second), "Deadline for a single API call")

	f.IntVar(&opts.MaxTries, "max-tries", env.WithDefaultInt("METGET_MAX_TRIES", 3), "Attempts before a transiently failing request is marked error")
	f.DurationVar(&opts.BuildDeadline, "build-deadline", env.WithDefaultDuration("METGET_BUILD_DEADLINE", 48*time.Hour), "Soft deadline for a single build")
	f.DurationVar(&opts.BlobCacheTTL, "blob-cache-ttl", env.WithDefaultDuration("METGET_BLOB_CACHE_TTL", 30*time.Minute), "Worker-local cache lifetime for catalog blobs")
	f.IntVar(&opts.BackgroundWorkers, "workers", env.WithDefaultInt("METGET_WORKERS", 4), "Concurrent envelope handlers per worker process")
	f.StringVar(&opts.RegridCommand, "regrid-command", env.WithDefaultString("METGET_REGRID_COMMAND", "metbuild"), "Executable that decodes raw fields and interpolates them onto output grids")

	f.StringVar(&opts.DownloadService, "service", env.WithDefaultString("METGET_DOWNLOAD_SERVICE", ""), "Service to download (gfs-ncep, nam-ncep, gefs-ncep, hrrr-conus, hrrr-alaska, wpc-ncep, hafs-a, hafs-b, nhc)")
	f.DurationVar(&opts.DownloadLookback, "lookback", env.WithDefaultDuration("METGET_DOWNLOAD_LOOKBACK", 24*time.Hour), "How far behind now a downloader invocation discovers cycles")
	f.DurationVar(&opts.DownloadLookahead, "lookahead", env.WithDefaultDuration("METGET_DOWNLOAD_LOOKAHEAD", 24*time.Hour), "How far ahead of now a downloader invocation discovers cycles")
	f.DurationVar(&opts.CandidateTimeout, "candidate-timeout", env.WithDefaultDuration("METGET_CANDIDATE_TIMEOUT", 10*time.Minute), "Per-candidate fetch and store deadline")
	f.StringVar(&opts.CoampsBucket, "coamps-bucket", env.WithDefaultString("METGET_COAMPS_BUCKET", ""), "Delivery bucket COAMPS-TC forecasts are pushed into")
	f.DurationVar(&opts.Retention, "retention", env.WithDefaultDuration("METGET_RETENTION", 0), "Delete catalog rows and blobs older than this; zero disables retention")

	return opts
}

// MustParse reads the user passed flags, environment variables, and default
// values. Options are validated and panics if an error is returned.
func (o *Options) MustParse(validators ...func(Options) error) *Options {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	for _, validate := range validators {
		if err := validate(*o); err != nil {
			panic(err)
		}
	}
	return o
}
