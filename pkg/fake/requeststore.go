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

	"k8s.io/utils/clock"

	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/requests"
)

// RequestStore is an in-memory requests table with the same conditional
// claim semantics as the Postgres implementation.
type RequestStore struct {
	mu     sync.Mutex
	rows   map[string]*requests.Request
	leases map[string]time.Time
	clock  clock.Clock

	NextError AtomicError
}

func NewRequestStore(clk clock.Clock) *RequestStore {
	return &RequestStore{rows: map[string]*requests.Request{}, leases: map[string]time.Time{}, clock: clk}
}

// Reset must be called between tests otherwise tests will pollute each
// other.
func (s *RequestStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = map[string]*requests.Request{}
	s.leases = map[string]time.Time{}
	s.NextError.Reset()
}

func (s *RequestStore) Insert(_ context.Context, r requests.Request) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[r.RequestID]; ok {
		return fmt.Errorf("request %s already exists", r.RequestID)
	}
	now := s.clock.Now()
	r.Status = requests.StatusQueued
	r.StartDate, r.LastDate = now, now
	s.rows[r.RequestID] = &r
	return nil
}

func (s *RequestStore) FindByIdempotencyKey(_ context.Context, apiKey, idempotencyKey string, window time.Duration) (*requests.Request, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-window)
	var found *requests.Request
	for _, r := range s.rows {
		if r.APIKey != apiKey || r.IdempotencyKey != idempotencyKey || idempotencyKey == "" {
			continue
		}
		if r.StartDate.Before(cutoff) {
			continue
		}
		if found == nil || r.StartDate.After(found.StartDate) {
			found = r
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *RequestStore) Get(_ context.Context, requestID string) (*requests.Request, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[requestID]
	if !ok {
		return nil, errors.WithKind(errors.KindNotFound, fmt.Errorf("request %s not found", requestID))
	}
	cp := *r
	return &cp, nil
}

func (s *RequestStore) Claim(_ context.Context, requestID string, lease time.Duration) (*requests.Request, bool, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[requestID]
	if !ok {
		return nil, false, nil
	}
	now := s.clock.Now()
	expired := r.Status == requests.StatusRunning && s.leases[requestID].Before(now)
	if r.Status != requests.StatusQueued && !expired {
		return nil, false, nil
	}
	r.Status = requests.StatusRunning
	r.Try++
	r.LastDate = now
	s.leases[requestID] = now.Add(lease)
	cp := *r
	return &cp, true, nil
}

func (s *RequestStore) Complete(_ context.Context, requestID string, creditUsage int64, message string) error {
	return s.finish(requestID, requests.StatusCompleted, creditUsage, message)
}

func (s *RequestStore) Fail(_ context.Context, requestID string, message string) error {
	return s.finish(requestID, requests.StatusError, 0, message)
}

func (s *RequestStore) Requeue(_ context.Context, requestID string, message string) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[requestID]
	if !ok {
		return fmt.Errorf("request %s not found", requestID)
	}
	r.Status = requests.StatusQueued
	r.Message = message
	r.LastDate = s.clock.Now()
	delete(s.leases, requestID)
	return nil
}

func (s *RequestStore) finish(requestID string, status requests.Status, creditUsage int64, message string) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[requestID]
	if !ok {
		return fmt.Errorf("request %s not found", requestID)
	}
	r.Status = status
	if creditUsage > 0 {
		r.CreditUsage = creditUsage
	}
	r.Message = message
	r.LastDate = s.clock.Now()
	delete(s.leases, requestID)
	return nil
}

func (s *RequestStore) CreditUsed(_ context.Context, apiKey string, window time.Duration) (int64, error) {
	if err := s.NextError.Get(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-window)
	var used int64
	for _, r := range s.rows {
		if r.APIKey != apiKey || r.LastDate.Before(cutoff) {
			continue
		}
		if r.Status != requests.StatusError {
			used += r.CreditUsage
		}
	}
	return used, nil
}
