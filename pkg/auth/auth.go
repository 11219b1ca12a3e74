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

// Package auth resolves API keys against the apikeys table. Lookups are
// cached briefly so a burst of requests from one client costs one query.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	metgeterrors "github.com/metget/metget-server/pkg/errors"
)

// Key is one authorized client of the service. A zero CreditLimit means the
// key is not credit limited; an empty Permissions list leaves the key
// unrestricted.
type Key struct {
	Key         string
	Username    string
	Description string
	CreditLimit int64
	Enabled     bool
	Expiration  *time.Time
	Permissions []string
}

// Allows reports whether the key may request data from the named service.
func (k *Key) Allows(service string) bool {
	if len(k.Permissions) == 0 {
		return true
	}
	return lo.Contains(k.Permissions, service)
}

type Authenticator interface {
	// Authenticate resolves the presented key, rejecting unknown, disabled
	// and expired keys.
	Authenticate(ctx context.Context, presented string) (*Key, error)
}

type PostgresAuthenticator struct {
	pool  *pgxpool.Pool
	cache *cache.Cache
	clock clock.Clock
}

func NewPostgresAuthenticator(pool *pgxpool.Pool, clk clock.Clock) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		pool:  pool,
		cache: cache.New(time.Minute, 5*time.Minute),
		clock: clk,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, presented string) (*Key, error) {
	if presented == "" {
		return nil, metgeterrors.WithKind(metgeterrors.KindAuth, fmt.Errorf("no api key presented"))
	}
	k, err := a.lookup(ctx, presented)
	if err != nil {
		return nil, err
	}
	// Compare digests rather than raw strings so the comparison time does
	// not depend on where the first differing byte falls.
	want := sha256.Sum256([]byte(k.Key))
	got := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return nil, metgeterrors.WithKind(metgeterrors.KindAuth, fmt.Errorf("unknown api key"))
	}
	// A key that exists but may not be used answers 403, not 401.
	if !k.Enabled {
		return nil, metgeterrors.WithKind(metgeterrors.KindForbidden, fmt.Errorf("api key for %s is disabled", k.Username))
	}
	if k.Expiration != nil && a.clock.Now().After(*k.Expiration) {
		return nil, metgeterrors.WithKind(metgeterrors.KindForbidden, fmt.Errorf("api key for %s expired %s", k.Username, k.Expiration.Format(time.RFC3339)))
	}
	return k, nil
}

func (a *PostgresAuthenticator) lookup(ctx context.Context, presented string) (*Key, error) {
	if cached, ok := a.cache.Get(presented); ok {
		return cached.(*Key), nil
	}
	k := Key{}
	err := a.pool.QueryRow(ctx,
		`SELECT key, username, description, credit_limit, enabled, expiration, permissions FROM apikeys WHERE key = $1`,
		presented).Scan(&k.Key, &k.Username, &k.Description, &k.CreditLimit, &k.Enabled, &k.Expiration, &k.Permissions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metgeterrors.WithKind(metgeterrors.KindAuth, fmt.Errorf("unknown api key"))
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key, %w", err)
	}
	a.cache.SetDefault(presented, &k)
	return &k, nil
}
