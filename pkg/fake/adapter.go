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
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/metget/metget-server/pkg/sources"
)

// Adapter is a scripted upstream: Discover returns the configured
// candidates inside the window, Fetch serves the configured payloads keyed
// by candidate URL.
type Adapter struct {
	Svc        sources.Service
	Candidates []sources.Candidate
	Payloads   map[string][]byte

	DiscoverError AtomicError
	FetchError    AtomicError

	mu      sync.Mutex
	fetched []string
}

func NewAdapter(svc sources.Service) *Adapter {
	return &Adapter{Svc: svc, Payloads: map[string][]byte{}}
}

// Reset must be called between tests otherwise tests will pollute each
// other.
func (a *Adapter) Reset() {
	a.Candidates = nil
	a.Payloads = map[string][]byte{}
	a.DiscoverError.Reset()
	a.FetchError.Reset()
	a.mu.Lock()
	a.fetched = nil
	a.mu.Unlock()
}

func (a *Adapter) Service() sources.Service { return a.Svc }

func (a *Adapter) Discover(_ context.Context, start, end time.Time) ([]sources.Candidate, error) {
	if err := a.DiscoverError.Get(); err != nil {
		return nil, err
	}
	return lo.Filter(a.Candidates, func(c sources.Candidate, _ int) bool {
		return !c.Cycle.Before(start) && !c.Cycle.After(end)
	}), nil
}

func (a *Adapter) Fetch(_ context.Context, c sources.Candidate) ([]byte, error) {
	if err := a.FetchError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.fetched = append(a.fetched, c.URL)
	a.mu.Unlock()
	payload, ok := a.Payloads[c.URL]
	if !ok {
		return nil, fmt.Errorf("no payload configured for %s", c.URL)
	}
	return payload, nil
}

// Fetched lists the candidate URLs fetched so far.
func (a *Adapter) Fetched() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.fetched...)
}
