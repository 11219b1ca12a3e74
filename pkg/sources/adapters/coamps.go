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

package adapters

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	sdk "github.com/metget/metget-server/pkg/aws"
	"github.com/metget/metget-server/pkg/sources"
)

// coampsKey matches {storm}/{cycle}/{storm}_{cycle}_tau{nnn}.grb2 inside the
// partner-delivered COAMPS-TC bucket.
var coampsKey = regexp.MustCompile(`([0-9]{2}[A-Z])/(\d{10})/[0-9]{2}[A-Z]_\d{10}_tau(\d{3})\.grb2$`)

// COAMPS ingests COAMPS-TC storm forecasts from the delivery bucket the
// Naval Research Laboratory pushes into, rather than over HTTP.
type COAMPS struct {
	client sdk.S3API
	bucket string
}

func NewCOAMPS(client sdk.S3API, bucket string) *COAMPS {
	return &COAMPS{client: client, bucket: bucket}
}

func (c *COAMPS) Service() sources.Service { return sources.CoampsTC }

func (c *COAMPS) Discover(ctx context.Context, start, end time.Time) ([]sources.Candidate, error) {
	var candidates []sources.Candidate
	var token *string
	for {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing coamps bucket %s, %w", c.bucket, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			match := coampsKey.FindStringSubmatch(key)
			if match == nil {
				continue
			}
			cycle, err := time.ParseInLocation("2006010215", match[2], time.UTC)
			if err != nil || cycle.Before(start) || cycle.After(end) {
				continue
			}
			tau := atoi(match[3])
			candidates = append(candidates, sources.Candidate{
				Service:   sources.CoampsTC,
				Cycle:     cycle,
				ValidTime: cycle.Add(time.Duration(tau) * time.Hour),
				Tau:       tau,
				StormName: match[1],
				URL:       fmt.Sprintf("s3://%s/%s", c.bucket, key),
			})
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return sortCandidates(candidates), nil
}

func (c *COAMPS) Fetch(ctx context.Context, cand sources.Candidate) ([]byte, error) {
	key := cand.URL[len(fmt.Sprintf("s3://%s/", c.bucket)):]
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s, %w", c.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
