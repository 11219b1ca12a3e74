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

// Package regrid bridges to the external meteorological toolchain that
// decodes raw GRIB fields and interpolates them onto output grids. The
// toolchain runs as a subprocess: raw bytes in on stdin, one JSON document
// of gridded variables out on stdout.
package regrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/metget/metget-server/pkg/output"
)

// ExecRegridder shells out to the configured command, e.g. the metbuild
// tool. One invocation handles one field.
type ExecRegridder struct {
	command string
}

func NewExecRegridder(command string) *ExecRegridder {
	return &ExecRegridder{command: command}
}

type result struct {
	Variables map[string][]float64 `json:"variables"`
}

func (r *ExecRegridder) Regrid(ctx context.Context, raw []byte, grid output.Grid, variables []string) (map[string][]float64, error) {
	args := []string{
		"--x0", strconv.FormatFloat(grid.XInit, 'f', -1, 64),
		"--y0", strconv.FormatFloat(grid.YInit, 'f', -1, 64),
		"--dx", strconv.FormatFloat(grid.DX, 'f', -1, 64),
		"--dy", strconv.FormatFloat(grid.DY, 'f', -1, 64),
		"--ni", strconv.Itoa(grid.NI),
		"--nj", strconv.Itoa(grid.NJ),
		"--variables", strings.Join(variables, ","),
	}
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Stdin = bytes.NewReader(raw)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s, %w: %s", r.command, err, strings.TrimSpace(stderr.String()))
	}
	var res result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("decoding %s output, %w", r.command, err)
	}
	want := grid.NI * grid.NJ
	for _, v := range variables {
		cells, ok := res.Variables[v]
		if !ok {
			return nil, fmt.Errorf("%s produced no %q variable", r.command, v)
		}
		if len(cells) != want {
			return nil, fmt.Errorf("%s produced %d cells for %q, want %d", r.command, len(cells), v, want)
		}
	}
	return res.Variables, nil
}
