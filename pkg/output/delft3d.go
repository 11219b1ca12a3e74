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

package output

import (
	"bytes"
	"fmt"

	"github.com/metget/metget-server/pkg/buildspec"
)

// Delft3DEncoder writes the Delft3D meteo triplet: .amu (eastward wind),
// .amv (northward wind) and .amp (pressure), each a self-describing text
// file with a shared reference time.
type Delft3DEncoder struct{}

func (e *Delft3DEncoder) Encode(spec *buildspec.Spec, snaps []Snapshot) (map[string][]byte, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no timesteps to encode")
	}
	ref := snaps[0].Time.UTC()

	files := map[string][]byte{}
	for ext, q := range map[string]struct {
		quantity string
		unit     string
		variable string
	}{
		".amu": {"x_wind", "m s-1", VarWindU},
		".amv": {"y_wind", "m s-1", VarWindV},
		".amp": {"air_pressure", "mbar", VarPressure},
	} {
		var buf bytes.Buffer
		g := snaps[0].Grid
		fmt.Fprintf(&buf, "FileVersion = 1.03\n")
		fmt.Fprintf(&buf, "filetype = meteo_on_equidistant_grid\n")
		fmt.Fprintf(&buf, "NODATA_value = %.2f\n", spec.NullValue)
		fmt.Fprintf(&buf, "n_cols = %d\n", g.NI)
		fmt.Fprintf(&buf, "n_rows = %d\n", g.NJ)
		fmt.Fprintf(&buf, "grid_unit = degree\n")
		fmt.Fprintf(&buf, "x_llcorner = %.6f\n", g.XInit)
		fmt.Fprintf(&buf, "y_llcorner = %.6f\n", g.YInit)
		fmt.Fprintf(&buf, "dx = %.6f\n", g.DX)
		fmt.Fprintf(&buf, "dy = %.6f\n", g.DY)
		fmt.Fprintf(&buf, "n_quantity = 1\n")
		fmt.Fprintf(&buf, "quantity1 = %s\n", q.quantity)
		fmt.Fprintf(&buf, "unit1 = %s\n", q.unit)

		for _, s := range snaps {
			minutes := s.Time.Sub(ref).Minutes()
			fmt.Fprintf(&buf, "TIME = %.1f minutes since %s +00:00\n", minutes, ref.Format("2006-01-02 15:04:05"))
			// Rows north to south, as Delft3D reads them.
			for j := s.Grid.NJ - 1; j >= 0; j-- {
				for i := 0; i < s.Grid.NI; i++ {
					if i > 0 {
						buf.WriteByte(' ')
					}
					fmt.Fprintf(&buf, "%.3f", s.At(q.variable, i, j))
				}
				buf.WriteByte('\n')
			}
		}
		files[ext] = buf.Bytes()
	}
	return files, nil
}
