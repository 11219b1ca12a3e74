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
	"time"

	"github.com/metget/metget-server/pkg/buildspec"
)

// OWIASCIIEncoder writes the Oceanweather WIN/PRE fixed-width text pair:
// .pre carries surface pressure, .wnd carries the U and V wind components.
type OWIASCIIEncoder struct{}

const owiTimeLayout = "200601021504"

func (e *OWIASCIIEncoder) Encode(spec *buildspec.Spec, snaps []Snapshot) (map[string][]byte, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no timesteps to encode")
	}
	start, end := snaps[0].Time, snaps[len(snaps)-1].Time

	var pre, wnd bytes.Buffer
	writeOWIFileHeader(&pre, start, end)
	writeOWIFileHeader(&wnd, start, end)

	for _, s := range snaps {
		writeOWIBlockHeader(&pre, s.Grid, s.Time)
		writeOWIValues(&pre, s, VarPressure)

		writeOWIBlockHeader(&wnd, s.Grid, s.Time)
		writeOWIValues(&wnd, s, VarWindU)
		writeOWIValues(&wnd, s, VarWindV)
	}
	return map[string][]byte{".pre": pre.Bytes(), ".wnd": wnd.Bytes()}, nil
}

func writeOWIFileHeader(buf *bytes.Buffer, start, end time.Time) {
	fmt.Fprintf(buf, "Oceanweather WIN/PRE Format                            %s   %s\n",
		start.UTC().Format("2006010215"), end.UTC().Format("2006010215"))
}

func writeOWIBlockHeader(buf *bytes.Buffer, g Grid, t time.Time) {
	fmt.Fprintf(buf, "iLat=%4diLong=%4dDX=%6.4fDY=%6.4fSWLat=%8.5fSWLon=%8.4fDT=%s\n",
		g.NJ, g.NI, g.DX, g.DY, g.YInit, g.XInit, t.UTC().Format(owiTimeLayout))
}

// writeOWIValues emits the grid row-major from the south-west corner, eight
// values per line, ten characters each.
func writeOWIValues(buf *bytes.Buffer, s Snapshot, variable string) {
	n := s.Grid.NI * s.Grid.NJ
	for idx := 0; idx < n; idx++ {
		fmt.Fprintf(buf, "%10.4f", s.Values[variable][idx])
		if (idx+1)%8 == 0 || idx == n-1 {
			buf.WriteByte('\n')
		}
	}
}
