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

// Package requests tracks the lifecycle of every accepted build request.
// Workers claim requests with a conditional update so that duplicate queue
// deliveries and expired leases resolve to exactly one active builder.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	metgeterrors "github.com/metget/metget-server/pkg/errors"
)

// Status is the request lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Request is one row of the requests table. CreditUsage is debited at
// intake; Complete reconciles it to the amount actually built and Fail
// refunds it by leaving the row out of the accounting sum.
type Request struct {
	RequestID      string
	APIKey         string
	SourceIP       string
	IdempotencyKey string
	Status         Status
	Try            int
	CreditUsage    int64
	Input          json.RawMessage
	Message        string
	StartDate      time.Time
	LastDate       time.Time
}

// Store is the request lifecycle surface.
type Store interface {
	// Insert persists an accepted request as queued, recording its intake
	// credit debit.
	Insert(ctx context.Context, r Request) error
	Get(ctx context.Context, requestID string) (*Request, error)
	// FindByIdempotencyKey returns the key's most recent request carrying
	// the given idempotency key inside the window, or nil when there is
	// none.
	FindByIdempotencyKey(ctx context.Context, apiKey, idempotencyKey string, window time.Duration) (*Request, error)
	// Claim transitions a queued request (or a running one whose lease has
	// expired) to running, increments its try counter and extends the lease.
	// ok is false when another worker holds the request or it already
	// reached a terminal state.
	Claim(ctx context.Context, requestID string, lease time.Duration) (r *Request, ok bool, err error)
	// Complete marks the request completed and records its final credit
	// usage.
	Complete(ctx context.Context, requestID string, creditUsage int64, message string) error
	Fail(ctx context.Context, requestID string, message string) error
	Requeue(ctx context.Context, requestID string, message string) error
	// CreditUsed sums the credit usage of the key's queued, running and
	// completed requests inside the rolling accounting window. Failed
	// requests drop out of the sum.
	CreditUsed(ctx context.Context, apiKey string, window time.Duration) (int64, error)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, r Request) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO requests (request_id, api_key, source_ip, idempotency_key, status, credit_usage, input_data, message)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		r.RequestID, r.APIKey, r.SourceIP, r.IdempotencyKey, string(StatusQueued), r.CreditUsage, r.Input, r.Message)
	if err != nil {
		return fmt.Errorf("inserting request %s, %w", r.RequestID, err)
	}
	return nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, apiKey, idempotencyKey string, window time.Duration) (*Request, error) {
	r := Request{APIKey: apiKey, IdempotencyKey: idempotencyKey}
	err := s.pool.QueryRow(ctx,
		`SELECT request_id, source_ip, status, try, credit_usage, input_data, message, start_date, last_date
		 FROM requests
		 WHERE api_key = $1 AND idempotency_key = $2 AND start_date > now() - $3
		 ORDER BY start_date DESC LIMIT 1`,
		apiKey, idempotencyKey, window).
		Scan(&r.RequestID, &r.SourceIP, &r.Status, &r.Try, &r.CreditUsage, &r.Input, &r.Message, &r.StartDate, &r.LastDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding request by idempotency key, %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, requestID string) (*Request, error) {
	r := Request{RequestID: requestID}
	err := s.pool.QueryRow(ctx,
		`SELECT api_key, source_ip, status, try, credit_usage, input_data, message, start_date, last_date
		 FROM requests WHERE request_id = $1`, requestID).
		Scan(&r.APIKey, &r.SourceIP, &r.Status, &r.Try, &r.CreditUsage, &r.Input, &r.Message, &r.StartDate, &r.LastDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metgeterrors.WithKind(metgeterrors.KindNotFound, fmt.Errorf("request %s not found", requestID))
	}
	if err != nil {
		return nil, fmt.Errorf("reading request %s, %w", requestID, err)
	}
	return &r, nil
}

func (s *PostgresStore) Claim(ctx context.Context, requestID string, lease time.Duration) (*Request, bool, error) {
	r := Request{RequestID: requestID, Status: StatusRunning}
	err := s.pool.QueryRow(ctx,
		`UPDATE requests
		 SET status = 'running', try = try + 1, last_date = now(), lease_expiry = now() + $2
		 WHERE request_id = $1
		   AND (status = 'queued' OR (status = 'running' AND lease_expiry < now()))
		 RETURNING api_key, source_ip, try, credit_usage, input_data, message, start_date, last_date`,
		requestID, lease).
		Scan(&r.APIKey, &r.SourceIP, &r.Try, &r.CreditUsage, &r.Input, &r.Message, &r.StartDate, &r.LastDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claiming request %s, %w", requestID, err)
	}
	return &r, true, nil
}

func (s *PostgresStore) Complete(ctx context.Context, requestID string, creditUsage int64, message string) error {
	return s.setStatus(ctx, requestID, StatusCompleted, creditUsage, message)
}

func (s *PostgresStore) Fail(ctx context.Context, requestID string, message string) error {
	return s.setStatus(ctx, requestID, StatusError, 0, message)
}

// Requeue returns a running request to queued so a later delivery can retry
// it, releasing the lease immediately.
func (s *PostgresStore) Requeue(ctx context.Context, requestID string, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE requests SET status = 'queued', message = $2, last_date = now(), lease_expiry = NULL
		 WHERE request_id = $1`, requestID, message)
	if err != nil {
		return fmt.Errorf("requeueing request %s, %w", requestID, err)
	}
	return nil
}

func (s *PostgresStore) setStatus(ctx context.Context, requestID string, status Status, creditUsage int64, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE requests
		 SET status = $2, credit_usage = CASE WHEN $3 > 0 THEN $3 ELSE credit_usage END,
		     message = $4, last_date = now(), lease_expiry = NULL
		 WHERE request_id = $1`,
		requestID, string(status), creditUsage, message)
	if err != nil {
		return fmt.Errorf("updating request %s to %s, %w", requestID, status, err)
	}
	return nil
}

func (s *PostgresStore) CreditUsed(ctx context.Context, apiKey string, window time.Duration) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(credit_usage), 0) FROM requests
		 WHERE api_key = $1 AND status IN ('queued', 'running', 'completed') AND last_date > now() - $2`,
		apiKey, window).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("summing credit usage, %w", err)
	}
	return used, nil
}
