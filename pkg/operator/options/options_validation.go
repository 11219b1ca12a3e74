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
	"fmt"

	"go.uber.org/multierr"
)

// ForAPI validates the option subset the request API requires.
func ForAPI(o Options) (err error) {
	err = multierr.Append(err, requireDatabase(o))
	if o.UploadBucket == "" {
		err = multierr.Append(err, fmt.Errorf("METGET_S3_BUCKET_UPLOAD is required"))
	}
	if o.QueueURL == "" {
		err = multierr.Append(err, fmt.Errorf("METGET_QUEUE_URL is required"))
	}
	if o.RateLimitPerSecond <= 0 {
		err = multierr.Append(err, fmt.Errorf("rate-limit must be positive"))
	}
	return err
}

// ForWorker validates the option subset the build worker requires.
func ForWorker(o Options) (err error) {
	err = multierr.Append(err, requireDatabase(o))
	if o.DataBucket == "" {
		err = multierr.Append(err, fmt.Errorf("METGET_S3_BUCKET is required"))
	}
	if o.UploadBucket == "" {
		err = multierr.Append(err, fmt.Errorf("METGET_S3_BUCKET_UPLOAD is required"))
	}
	if o.QueueURL == "" {
		err = multierr.Append(err, fmt.Errorf("METGET_QUEUE_URL is required"))
	}
	if o.MaxTries < 1 {
		err = multierr.Append(err, fmt.Errorf("max-tries must be at least 1"))
	}
	return err
}

// ForDownloader validates the option subset a downloader invocation requires.
func ForDownloader(o Options) (err error) {
	err = multierr.Append(err, requireDatabase(o))
	if o.DataBucket == "" {
		err = multierr.Append(err, fmt.Errorf("METGET_S3_BUCKET is required"))
	}
	if o.DownloadService == "" {
		err = multierr.Append(err, fmt.Errorf("--service is required"))
	}
	return err
}

func requireDatabase(o Options) error {
	if o.DatabaseURL == "" {
		return fmt.Errorf("METGET_DATABASE_URL is required")
	}
	return nil
}
