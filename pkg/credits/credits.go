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

// Package credits enforces per-key usage accounting. Costs are tracked in
// raw units (grid cells times timesteps) and divided by Multiplier only for
// display, so accounting never loses precision to rounding.
package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/metget/metget-server/pkg/auth"
	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/requests"
)

// Multiplier converts raw credit units into the user-facing credit figure.
const Multiplier = 100000

// Window is the rolling accounting period over which usage is summed.
const Window = 30 * 24 * time.Hour

// Balance is a key's scaled credit position. Unlimited keys report a zero
// limit and a zero balance.
type Balance struct {
	CreditLimit   float64 `json:"credit_limit"`
	CreditsUsed   float64 `json:"credits_used"`
	CreditBalance float64 `json:"credit_balance"`
	Unlimited     bool    `json:"unlimited"`
}

// Ledger answers whether a key may spend and what it has spent.
type Ledger struct {
	store   requests.Store
	enforce bool
}

func NewLedger(store requests.Store, enforce bool) *Ledger {
	return &Ledger{store: store, enforce: enforce}
}

// Scale converts a raw cost into the user-facing credit figure.
func Scale(raw int64) float64 {
	return float64(raw) / Multiplier
}

// Authorize checks whether the key can afford cost raw units on top of its
// usage inside the window. With enforcement off the check always passes;
// usage is still recorded by the worker either way.
func (l *Ledger) Authorize(ctx context.Context, key *auth.Key, cost int64) error {
	if !l.enforce || key.CreditLimit == 0 {
		return nil
	}
	used, err := l.store.CreditUsed(ctx, key.Key, Window)
	if err != nil {
		return err
	}
	if used+cost > key.CreditLimit {
		return errors.WithKind(errors.KindCreditDenied, fmt.Errorf(
			"request costing %.2f credits would exceed the %.2f credit limit (%.2f used in the last 30 days)",
			Scale(cost), Scale(key.CreditLimit), Scale(used)))
	}
	return nil
}

// BalanceFor reports the key's scaled credit position.
func (l *Ledger) BalanceFor(ctx context.Context, key *auth.Key) (Balance, error) {
	used, err := l.store.CreditUsed(ctx, key.Key, Window)
	if err != nil {
		return Balance{}, err
	}
	b := Balance{
		CreditLimit: Scale(key.CreditLimit),
		CreditsUsed: Scale(used),
		Unlimited:   key.CreditLimit == 0,
	}
	if !b.Unlimited {
		b.CreditBalance = Scale(key.CreditLimit - used)
	}
	return b, nil
}
