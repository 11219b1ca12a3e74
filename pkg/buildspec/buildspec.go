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

// Package buildspec defines the client-facing build request schema, its
// validation rules and the credit tariff derived from it.
package buildspec

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/sources"
)

// Format selects the output encoder.
type Format string

const (
	FormatOWIASCII  Format = "owi-ascii"
	FormatOWINetCDF Format = "owi-netcdf"
	FormatRASNetCDF Format = "ras-netcdf"
	FormatDelft3D   Format = "delft3d"
	FormatRaw       Format = "raw"
)

var formats = []Format{FormatOWIASCII, FormatOWINetCDF, FormatRASNetCDF, FormatDelft3D, FormatRaw}

// Timestamp unmarshals the wire format used for all request dates.
type Timestamp struct {
	time.Time
}

const timeLayout = "2006-01-02 15:04"

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		// RFC 3339 accepted as a fallback for machine clients.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q, %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timeLayout))
}

// Domain is one gridded output region. Exactly one geometry form must be
// present: corner extents with resolution, or an origin grid definition with
// cell counts and optional rotation, or a named preset.
type Domain struct {
	Name    string `json:"name" validate:"required"`
	Service string `json:"service" validate:"required"`
	Level   int    `json:"level" validate:"gte=0"`

	XInit *float64 `json:"x_init,omitempty"`
	YInit *float64 `json:"y_init,omitempty"`
	XEnd  *float64 `json:"x_end,omitempty"`
	YEnd  *float64 `json:"y_end,omitempty"`
	DX    *float64 `json:"di,omitempty"`
	DY    *float64 `json:"dj,omitempty"`

	NI       *int     `json:"ni,omitempty"`
	NJ       *int     `json:"nj,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`

	Predefined string `json:"predefined_domain,omitempty"`

	// Storm-scoped and ensemble services carry extra identity.
	Storm          string `json:"storm,omitempty"`
	StormYear      int    `json:"storm_year,omitempty"`
	Basin          string `json:"basin,omitempty"`
	Advisory       string `json:"advisory,omitempty"`
	EnsembleMember string `json:"ensemble_member,omitempty"`
}

// presets are the named domains clients may request by name alone.
var presets = map[string]Domain{
	"gulf-of-mexico": {XInit: lo.ToPtr(-98.0), YInit: lo.ToPtr(10.0), XEnd: lo.ToPtr(-75.0), YEnd: lo.ToPtr(31.0), DX: lo.ToPtr(0.1), DY: lo.ToPtr(0.1)},
	"atlantic-basin": {XInit: lo.ToPtr(-99.0), YInit: lo.ToPtr(5.0), XEnd: lo.ToPtr(-45.0), YEnd: lo.ToPtr(46.0), DX: lo.ToPtr(0.25), DY: lo.ToPtr(0.25)},
	"conus":          {XInit: lo.ToPtr(-126.0), YInit: lo.ToPtr(23.0), XEnd: lo.ToPtr(-64.0), YEnd: lo.ToPtr(50.0), DX: lo.ToPtr(0.25), DY: lo.ToPtr(0.25)},
}

// NI returns the cell count along x.
func (d Domain) NICells() int {
	if d.NI != nil {
		return *d.NI
	}
	return int(math.Ceil((*d.XEnd - *d.XInit) / *d.DX))
}

// NJ returns the cell count along y.
func (d Domain) NJCells() int {
	if d.NJ != nil {
		return *d.NJ
	}
	return int(math.Ceil((*d.YEnd - *d.YInit) / *d.DY))
}

// Cells returns the domain's grid cell count, the unit of credit cost.
func (d Domain) Cells() int64 {
	return int64(d.NICells()) * int64(d.NJCells())
}

// Constraints returns the catalog identity constraints the domain implies.
func (d Domain) Constraints() (member, storm string) {
	return d.EnsembleMember, d.Storm
}

// Spec is one validated build request.
type Spec struct {
	Version            int       `json:"version"`
	Creator            string    `json:"creator" validate:"required"`
	StartDate          Timestamp `json:"start_date" validate:"required"`
	EndDate            Timestamp `json:"end_date" validate:"required"`
	TimeStep           int       `json:"time_step" validate:"required,gt=0"`
	Format             Format    `json:"format" validate:"required"`
	DataType           string    `json:"data_type"`
	Nowcast            bool      `json:"nowcast"`
	MultipleForecasts  bool      `json:"multiple_forecasts"`
	Backfill           bool      `json:"backfill"`
	DryRun             bool      `json:"dry_run"`
	Strict             bool      `json:"strict"`
	Compression        bool      `json:"compression"`
	EPSG               int       `json:"epsg"`
	Filename           string    `json:"filename" validate:"required"`
	BackgroundPressure float64   `json:"background_pressure"`
	NullValue          float64   `json:"null_value"`
	Domains            []Domain  `json:"domains" validate:"required,min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a raw request body. All failures carry
// KindValidation so the API can respond synchronously.
func Parse(raw []byte) (*Spec, error) {
	s := &Spec{
		DataType:           "wind_pressure",
		EPSG:               4326,
		BackgroundPressure: 1013.0,
		NullValue:          -999.0,
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return nil, errors.WithKind(errors.KindValidation, fmt.Errorf("decoding request, %w", err))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate enforces the schema rules the struct tags cannot express.
func (s *Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.WithKind(errors.KindValidation, err)
	}
	if !s.EndDate.After(s.StartDate.Time) {
		return errors.WithKind(errors.KindValidation, fmt.Errorf("start_date %s must precede end_date %s", s.StartDate.Format(timeLayout), s.EndDate.Format(timeLayout)))
	}
	if !lo.Contains(formats, s.Format) {
		return errors.WithKind(errors.KindValidation, fmt.Errorf("unknown format %q", s.Format))
	}
	if s.Nowcast && s.MultipleForecasts {
		return errors.WithKind(errors.KindValidation, fmt.Errorf("nowcast and multiple_forecasts are mutually exclusive"))
	}
	for i := range s.Domains {
		if err := s.resolveDomain(&s.Domains[i]); err != nil {
			return err
		}
	}
	levels := lo.Map(s.Domains, func(d Domain, _ int) int { return d.Level })
	if len(lo.Uniq(levels)) != len(levels) {
		return errors.WithKind(errors.KindValidation, fmt.Errorf("domain levels must be distinct"))
	}
	return nil
}

func (s *Spec) resolveDomain(d *Domain) error {
	if d.Predefined != "" {
		p, ok := presets[d.Predefined]
		if !ok {
			return errors.WithKind(errors.KindValidation, fmt.Errorf("unknown predefined domain %q", d.Predefined))
		}
		d.XInit, d.YInit, d.XEnd, d.YEnd, d.DX, d.DY = p.XInit, p.YInit, p.XEnd, p.YEnd, p.DX, p.DY
	}
	f, err := sources.FromService(d.Service)
	if err != nil {
		return errors.WithKind(errors.KindValidation, err)
	}
	if f.Class != sources.ClassTrack {
		switch {
		case d.XInit != nil && d.YInit != nil && d.DX != nil && d.DY != nil && d.NI != nil && d.NJ != nil:
		case d.XInit != nil && d.YInit != nil && d.XEnd != nil && d.YEnd != nil && d.DX != nil && d.DY != nil:
			if *d.XEnd <= *d.XInit || *d.YEnd <= *d.YInit || *d.DX <= 0 || *d.DY <= 0 {
				return errors.WithKind(errors.KindValidation, fmt.Errorf("domain %q geometry is not closed", d.Name))
			}
		default:
			return errors.WithKind(errors.KindValidation, fmt.Errorf("domain %q carries neither corner extents nor a grid definition", d.Name))
		}
	}
	switch f.Class {
	case sources.ClassStorm, sources.ClassStormEnsemble:
		if d.Storm == "" {
			return errors.WithKind(errors.KindValidation, fmt.Errorf("service %s requires a storm name on domain %q", d.Service, d.Name))
		}
	case sources.ClassTrack:
		if d.Storm == "" || d.StormYear == 0 || d.Basin == "" {
			return errors.WithKind(errors.KindValidation, fmt.Errorf("service %s requires storm, storm_year and basin on domain %q", d.Service, d.Name))
		}
	}
	if f.Class == sources.ClassEnsemble || f.Class == sources.ClassStormEnsemble {
		if d.EnsembleMember == "" {
			return errors.WithKind(errors.KindValidation, fmt.Errorf("service %s requires an ensemble_member on domain %q", d.Service, d.Name))
		}
	}
	return nil
}

// Timesteps enumerates the output instants, inclusive of both endpoints.
func (s *Spec) Timesteps() []time.Time {
	var steps []time.Time
	step := time.Duration(s.TimeStep) * time.Second
	for t := s.StartDate.Time; !t.After(s.EndDate.Time); t = t.Add(step) {
		steps = append(steps, t)
	}
	return steps
}

// CreditCost computes the raw credit units the request will consume. Gridded
// domains cost cells times timesteps; track domains cost a flat nominal grid
// for a day; raw outputs cost the nominal grid per timestep.
func (s *Spec) CreditCost() int64 {
	const nominal = 100 * 100 * 24
	n := int64(len(s.Timesteps()))
	var cost int64
	for _, d := range s.Domains {
		f, err := sources.FromService(d.Service)
		if err != nil {
			continue
		}
		switch {
		case f.Class == sources.ClassTrack:
			cost += nominal
		case s.Format == FormatRaw:
			cost += nominal * n
		default:
			cost += d.Cells() * n
		}
	}
	return cost
}

// OutputExtensions returns the file extensions the format produces.
func (s *Spec) OutputExtensions() []string {
	switch s.Format {
	case FormatOWIASCII:
		return []string{".pre", ".wnd"}
	case FormatDelft3D:
		return []string{".amu", ".amv", ".amp"}
	case FormatOWINetCDF, FormatRASNetCDF:
		return []string{".nc"}
	default:
		return []string{".grb2"}
	}
}

// OutputKeys returns the upload-bucket keys the finished request will occupy.
func (s *Spec) OutputKeys(requestID string) []string {
	base := strings.TrimSuffix(s.Filename, ".nc")
	for _, ext := range []string{".pre", ".wnd", ".amu", ".amv", ".amp", ".grb2"} {
		base = strings.TrimSuffix(base, ext)
	}
	return lo.Map(s.OutputExtensions(), func(ext string, _ int) string {
		return fmt.Sprintf("%s/%s%s", requestID, base, ext)
	})
}
