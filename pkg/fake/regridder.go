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
	"sync/atomic"

	"github.com/metget/metget-server/pkg/output"
)

// Regridder stands in for the external meteorological collaborator. By
// default every cell of every variable gets the value configured in Fill;
// per-key overrides let a test distinguish which source blob a cell came
// from.
type Regridder struct {
	Fill      float64
	ByPayload map[string]float64
	Error     AtomicError

	calls atomic.Int32
}

func NewRegridder() *Regridder {
	return &Regridder{Fill: 1.0}
}

// Reset must be called between tests otherwise tests will pollute each
// other.
func (r *Regridder) Reset() {
	r.Fill = 1.0
	r.ByPayload = nil
	r.Error.Reset()
	r.calls.Store(0)
}

func (r *Regridder) Regrid(_ context.Context, raw []byte, grid output.Grid, variables []string) (map[string][]float64, error) {
	if err := r.Error.Get(); err != nil {
		return nil, err
	}
	r.calls.Add(1)
	value := r.Fill
	if v, ok := r.ByPayload[string(raw)]; ok {
		value = v
	}
	fields := map[string][]float64{}
	for _, variable := range variables {
		cells := make([]float64, grid.NI*grid.NJ)
		for i := range cells {
			cells[i] = value
		}
		fields[variable] = cells
	}
	return fields, nil
}

func (r *Regridder) Calls() int {
	return int(r.calls.Load())
}
