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

// Package catalog is the authoritative index of ingested forecast fields.
// One table per model family; uniqueness of a row's identity is enforced by
// the database so that concurrent downloaders cannot duplicate work.
package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/metget/metget-server/pkg/sources"
)

// UpsertResult reports whether an upsert created a new row or refreshed an
// existing one. A conflict is not an error.
type UpsertResult string

const (
	Inserted UpsertResult = "inserted"
	Updated  UpsertResult = "updated"
)

// Entry is one gridded-field catalog row. The identity sub-keys that apply
// depend on the family's class; unused ones are empty.
type Entry struct {
	Service        sources.Service
	ForecastCycle  time.Time
	ValidTime      time.Time
	Tau            int
	StorageKey     string
	URL            string
	EnsembleMember string
	StormName      string
	Accessed       time.Time
}

// Constraints narrow a selection query to a single identity within a family.
type Constraints struct {
	EnsembleMember string
	StormName      string
}

// TrackKind distinguishes the two track tables.
type TrackKind string

const (
	BestTrack     TrackKind = "besttrack"
	ForecastTrack TrackKind = "forecast"
)

// TrackEntry is one tropical cyclone track advisory row.
type TrackEntry struct {
	Kind             TrackKind
	StormYear        int
	Basin            string
	StormNumber      int
	Advisory         string
	AdvisoryStart    time.Time
	AdvisoryEnd      time.Time
	AdvisoryDuration int
	StorageKey       string
	MD5              string
	Geometry         json.RawMessage
	Accessed         time.Time
}

// TrackQuery identifies one advisory. Advisory is ignored for best tracks,
// which have a single rolling row per storm.
type TrackQuery struct {
	Kind        TrackKind
	StormYear   int
	Basin       string
	StormNumber int
	Advisory    string
}

// Store is the catalog surface the downloader, the selection engine and the
// status endpoint share. All writes are transactional; reads never hold locks
// beyond a single statement.
type Store interface {
	// Upsert inserts the entry or, on identity conflict, refreshes its
	// storage key and accessed timestamp.
	Upsert(ctx context.Context, e Entry) (UpsertResult, error)
	// Has reports whether a row with the entry's identity already exists.
	Has(ctx context.Context, e Entry) (bool, error)
	// FindCovering returns the rows whose valid_time equals t, ordered by
	// forecast cycle descending, then tau ascending, then storage key.
	FindCovering(ctx context.Context, svc sources.Service, t time.Time, c Constraints) ([]Entry, error)
	// Cycles lists the family's distinct forecast cycles, newest first.
	Cycles(ctx context.Context, svc sources.Service, c Constraints) ([]time.Time, error)
	// CycleEntries returns every row of one forecast cycle ordered by
	// valid_time ascending.
	CycleEntries(ctx context.Context, svc sources.Service, cycle time.Time, c Constraints) ([]Entry, error)
	// CycleRange reports the family's oldest and newest cycles; ok is false
	// when the family has no rows.
	CycleRange(ctx context.Context, svc sources.Service) (oldest, newest time.Time, ok bool, err error)
	// ExpiredKeys lists the storage keys of rows whose forecast cycle
	// predates the cutoff. Retention deletes those blobs first, then calls
	// DeleteOlderThan, so the catalog never references a missing blob.
	ExpiredKeys(ctx context.Context, svc sources.Service, cutoff time.Time) ([]string, error)
	// DeleteOlderThan removes rows whose forecast cycle predates the
	// cutoff, returning the number removed.
	DeleteOlderThan(ctx context.Context, svc sources.Service, cutoff time.Time) (int64, error)

	UpsertTrack(ctx context.Context, t TrackEntry) (UpsertResult, error)
	FindTrack(ctx context.Context, q TrackQuery) (*TrackEntry, error)
	// TrackMD5 returns the stored digest for the queried track, or empty
	// when absent. Used to dedupe unchanged track downloads.
	TrackMD5(ctx context.Context, q TrackQuery) (string, error)
}
