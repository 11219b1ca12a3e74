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

// Package objectstore wraps the two S3 buckets metget-server uses: the data
// bucket holding ingested upstream fields and the upload bucket holding
// finished request outputs.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/metget/metget-server/pkg/errors"

	sdk "github.com/metget/metget-server/pkg/aws"
)

// Store is the blob surface the downloader, builder and API share.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Client struct {
	api      sdk.S3API
	presign  sdk.S3PresignAPI
	bucket   string
	attempts uint
}

func NewClient(api sdk.S3API, presign sdk.S3PresignAPI, bucket string) *Client {
	return &Client{api: api, presign: presign, bucket: bucket, attempts: 4}
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errors.IsRetryableAWS),
	)
}

func (c *Client) Put(ctx context.Context, key string, body []byte) error {
	err := c.retry(ctx, func() error {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s, %w", c.bucket, key, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := c.retry(ctx, func() error {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		body, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		if errors.IsNotFoundAWS(err) {
			return nil, errors.WithKind(errors.KindNotFound, fmt.Errorf("s3://%s/%s not found, %w", c.bucket, key, err))
		}
		return nil, fmt.Errorf("getting s3://%s/%s, %w", c.bucket, key, err)
	}
	return body, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if errors.IsNotFoundAWS(err) {
			return false, nil
		}
		return false, fmt.Errorf("heading s3://%s/%s, %w", c.bucket, key, err)
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	err := c.retry(ctx, func() error {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s, %w", c.bucket, key, err)
	}
	return nil
}

// Presign returns a time-limited GET URL for the key. Presigning is a local
// signature computation, so no retry is involved.
func (c *Client) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presigning s3://%s/%s, %w", c.bucket, key, err)
	}
	return req.URL, nil
}
