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

// Package output encodes composed gridded timesteps into the client-facing
// file formats. Encoders for the text formats are native; NetCDF encoders
// plug in through Register from an external collaborator.
package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/metget/metget-server/pkg/buildspec"
	"github.com/metget/metget-server/pkg/errors"
)

// Variable names used in Snapshot value maps.
const (
	VarWindU    = "wind_u"
	VarWindV    = "wind_v"
	VarPressure = "pressure"
	VarRain     = "rain"
)

// Grid is a regular lon/lat output grid, south-west origin, row-major.
type Grid struct {
	XInit float64
	YInit float64
	DX    float64
	DY    float64
	NI    int
	NJ    int
}

func GridFor(d buildspec.Domain) Grid {
	g := Grid{NI: d.NICells(), NJ: d.NJCells()}
	if d.XInit != nil {
		g.XInit, g.YInit = *d.XInit, *d.YInit
	}
	if d.DX != nil {
		g.DX, g.DY = *d.DX, *d.DY
	}
	return g
}

// Snapshot is one fully composed output timestep: every variable regridded
// onto the output grid, holes already resolved to the null value.
type Snapshot struct {
	Time   time.Time
	Grid   Grid
	Values map[string][]float64
}

// At reads one cell of a variable, row-major from the south-west corner.
func (s Snapshot) At(variable string, i, j int) float64 {
	return s.Values[variable][j*s.Grid.NI+i]
}

// Encoder turns the snapshot series into output files keyed by extension.
type Encoder interface {
	Encode(spec *buildspec.Spec, snaps []Snapshot) (map[string][]byte, error)
}

var (
	mu       sync.RWMutex
	encoders = map[buildspec.Format]Encoder{}
)

// Register installs an encoder for a format, replacing any existing one.
// NetCDF encoders are registered at process start by their own packages.
func Register(format buildspec.Format, e Encoder) {
	mu.Lock()
	defer mu.Unlock()
	encoders[format] = e
}

// For resolves the encoder for a format. An unregistered format is a
// validation failure so intake can reject it before any work is queued.
func For(format buildspec.Format) (Encoder, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := encoders[format]
	if !ok {
		return nil, errors.WithKind(errors.KindValidation, fmt.Errorf("no encoder available for format %q", format))
	}
	return e, nil
}

func init() {
	Register(buildspec.FormatOWIASCII, &OWIASCIIEncoder{})
	Register(buildspec.FormatDelft3D, &Delft3DEncoder{})
}
