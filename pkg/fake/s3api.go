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

package fake

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

// S3Behavior must be reset between tests otherwise tests will pollute each
// other.
type S3Behavior struct {
	PutObjectBehavior    MockedFunction[s3.PutObjectInput, s3.PutObjectOutput]
	GetObjectBehavior    MockedFunction[s3.GetObjectInput, s3.GetObjectOutput]
	HeadObjectBehavior   MockedFunction[s3.HeadObjectInput, s3.HeadObjectOutput]
	DeleteObjectBehavior MockedFunction[s3.DeleteObjectInput, s3.DeleteObjectOutput]
	ListObjectsBehavior  MockedFunction[s3.ListObjectsV2Input, s3.ListObjectsV2Output]
}

// S3API is an in-memory bucket; unconfigured behaviors fall through to the
// map of stored objects.
type S3API struct {
	S3Behavior

	mu      sync.RWMutex
	objects map[string][]byte
}

func NewS3API() *S3API {
	return &S3API{objects: map[string][]byte{}}
}

// Reset must be called between tests otherwise tests will pollute each
// other.
func (a *S3API) Reset() {
	a.PutObjectBehavior.Reset()
	a.GetObjectBehavior.Reset()
	a.HeadObjectBehavior.Reset()
	a.DeleteObjectBehavior.Reset()
	a.ListObjectsBehavior.Reset()
	a.mu.Lock()
	a.objects = map[string][]byte{}
	a.mu.Unlock()
}

func (a *S3API) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	// Body is an io.Reader and cannot survive the recorder's JSON round
	// trip; drain it up front and invoke with the payload detached.
	var body []byte
	if input.Body != nil {
		var err error
		if body, err = io.ReadAll(input.Body); err != nil {
			return nil, err
		}
	}
	recorded := *input
	recorded.Body = nil
	return a.PutObjectBehavior.Invoke(&recorded, func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		a.mu.Lock()
		a.objects[aws.ToString(in.Key)] = body
		a.mu.Unlock()
		return &s3.PutObjectOutput{}, nil
	})
}

func (a *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return a.GetObjectBehavior.Invoke(input, func(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		a.mu.RLock()
		body, ok := a.objects[aws.ToString(in.Key)]
		a.mu.RUnlock()
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"}
		}
		return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(body)))}, nil
	})
}

func (a *S3API) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return a.HeadObjectBehavior.Invoke(input, func(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		a.mu.RLock()
		_, ok := a.objects[aws.ToString(in.Key)]
		a.mu.RUnlock()
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
		}
		return &s3.HeadObjectOutput{}, nil
	})
}

func (a *S3API) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return a.DeleteObjectBehavior.Invoke(input, func(in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
		a.mu.Lock()
		delete(a.objects, aws.ToString(in.Key))
		a.mu.Unlock()
		return &s3.DeleteObjectOutput{}, nil
	})
}

func (a *S3API) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return a.ListObjectsBehavior.Invoke(input, func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		a.mu.RLock()
		defer a.mu.RUnlock()
		out := &s3.ListObjectsV2Output{}
		keys := lo.Keys(a.objects)
		slices.Sort(keys)
		for _, key := range keys {
			if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
				out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
			}
		}
		return out, nil
	})
}

// PresignGetObject fabricates a deterministic URL; nothing validates it.
func (a *S3API) PresignGetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://fake.s3.local/%s/%s?expires=%d", aws.ToString(input.Bucket), aws.ToString(input.Key), time.Now().Unix()),
		Method: "GET",
	}, nil
}

// Stored reads one object back for assertions.
func (a *S3API) Stored(key string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	body, ok := a.objects[key]
	return body, ok
}
