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

	"github.com/metget/metget-server/pkg/auth"
	"github.com/metget/metget-server/pkg/errors"
)

// Authenticator resolves keys from an in-memory map.
type Authenticator struct {
	mu   sync.RWMutex
	keys map[string]*auth.Key
}

func NewAuthenticator(keys ...*auth.Key) *Authenticator {
	a := &Authenticator{keys: map[string]*auth.Key{}}
	for _, k := range keys {
		a.keys[k.Key] = k
	}
	return a
}

func (a *Authenticator) Add(k *auth.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[k.Key] = k
}

func (a *Authenticator) Authenticate(_ context.Context, presented string) (*auth.Key, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	k, ok := a.keys[presented]
	if !ok {
		return nil, errors.WithKind(errors.KindAuth, fmt.Errorf("unknown api key"))
	}
	if !k.Enabled {
		return nil, errors.WithKind(errors.KindForbidden, fmt.Errorf("api key for %s is disabled", k.Username))
	}
	return k, nil
}
