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

package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metget/metget-server/pkg/sources"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// identity returns the family's extra identity columns and the matching
// values from the entry, beyond (forecastcycle, forecasttime).
func identity(f sources.Family, e Entry) (cols []string, vals []any) {
	switch f.Class {
	case sources.ClassEnsemble:
		return []string{"ensemble_member"}, []any{e.EnsembleMember}
	case sources.ClassStorm:
		return []string{"stormname"}, []any{e.StormName}
	case sources.ClassStormEnsemble:
		return []string{"stormname", "ensemble_member"}, []any{e.StormName, e.EnsembleMember}
	default:
		return nil, nil
	}
}

func constraintClause(f sources.Family, c Constraints, firstArg int) (string, []any) {
	var clauses []string
	var args []any
	n := firstArg
	if c.EnsembleMember != "" && (f.Class == sources.ClassEnsemble || f.Class == sources.ClassStormEnsemble) {
		clauses = append(clauses, fmt.Sprintf("ensemble_member = $%d", n))
		args = append(args, c.EnsembleMember)
		n++
	}
	if c.StormName != "" && (f.Class == sources.ClassStorm || f.Class == sources.ClassStormEnsemble) {
		clauses = append(clauses, fmt.Sprintf("stormname = $%d", n))
		args = append(args, c.StormName)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) Upsert(ctx context.Context, e Entry) (UpsertResult, error) {
	f, err := sources.FromService(string(e.Service))
	if err != nil {
		return "", err
	}
	idCols, idVals := identity(f, e)

	cols := append([]string{"forecastcycle", "forecasttime", "tau", "filepath", "url"}, idCols...)
	args := append([]any{e.ForecastCycle, e.ValidTime, e.Tau, e.StorageKey, e.URL}, idVals...)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	conflict := append([]string{"forecastcycle", "forecasttime"}, idCols...)

	// xmax = 0 distinguishes a fresh insert from a conflict update.
	query := fmt.Sprintf(
		`INSERT INTO %s (%s, accessed) VALUES (%s, now())
		 ON CONFLICT (%s) DO UPDATE SET filepath = EXCLUDED.filepath, url = EXCLUDED.url, accessed = now()
		 RETURNING (xmax = 0)`,
		f.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(conflict, ", "))

	var inserted bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&inserted); err != nil {
		return "", fmt.Errorf("upserting %s catalog row, %w", e.Service, err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (s *PostgresStore) Has(ctx context.Context, e Entry) (bool, error) {
	f, err := sources.FromService(string(e.Service))
	if err != nil {
		return false, err
	}
	idCols, idVals := identity(f, e)
	where := "forecastcycle = $1 AND forecasttime = $2"
	args := []any{e.ForecastCycle, e.ValidTime}
	for i, col := range idCols {
		where += fmt.Sprintf(" AND %s = $%d", col, i+3)
	}
	args = append(args, idVals...)

	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s)", f.Table, where)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking %s catalog row, %w", e.Service, err)
	}
	return exists, nil
}

func (s *PostgresStore) FindCovering(ctx context.Context, svc sources.Service, t time.Time, c Constraints) ([]Entry, error) {
	f, err := sources.FromService(string(svc))
	if err != nil {
		return nil, err
	}
	clause, extra := constraintClause(f, c, 2)
	query := fmt.Sprintf(
		`SELECT forecastcycle, forecasttime, tau, filepath FROM %s
		 WHERE forecasttime = $1%s
		 ORDER BY forecastcycle DESC, tau ASC, filepath ASC`, f.Table, clause)
	return s.queryEntries(ctx, svc, query, append([]any{t}, extra...))
}

func (s *PostgresStore) Cycles(ctx context.Context, svc sources.Service, c Constraints) ([]time.Time, error) {
	f, err := sources.FromService(string(svc))
	if err != nil {
		return nil, err
	}
	clause, extra := constraintClause(f, c, 1)
	clause = strings.TrimPrefix(clause, " AND ")
	where := ""
	if clause != "" {
		where = " WHERE " + clause
	}
	query := fmt.Sprintf("SELECT DISTINCT forecastcycle FROM %s%s ORDER BY forecastcycle DESC", f.Table, where)
	rows, err := s.pool.Query(ctx, query, extra...)
	if err != nil {
		return nil, fmt.Errorf("listing %s cycles, %w", svc, err)
	}
	defer rows.Close()

	var cycles []time.Time
	for rows.Next() {
		var cycle time.Time
		if err := rows.Scan(&cycle); err != nil {
			return nil, fmt.Errorf("scanning %s cycle, %w", svc, err)
		}
		cycles = append(cycles, cycle)
	}
	return cycles, rows.Err()
}

func (s *PostgresStore) CycleEntries(ctx context.Context, svc sources.Service, cycle time.Time, c Constraints) ([]Entry, error) {
	f, err := sources.FromService(string(svc))
	if err != nil {
		return nil, err
	}
	clause, extra := constraintClause(f, c, 2)
	query := fmt.Sprintf(
		`SELECT forecastcycle, forecasttime, tau, filepath FROM %s
		 WHERE forecastcycle = $1%s
		 ORDER BY forecasttime ASC`, f.Table, clause)
	return s.queryEntries(ctx, svc, query, append([]any{cycle}, extra...))
}

func (s *PostgresStore) CycleRange(ctx context.Context, svc sources.Service) (time.Time, time.Time, bool, error) {
	f, err := sources.FromService(string(svc))
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	var oldest, newest *time.Time
	query := fmt.Sprintf("SELECT min(forecastcycle), max(forecastcycle) FROM %s", f.Table)
	if err := s.pool.QueryRow(ctx, query).Scan(&oldest, &newest); err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("reading %s cycle range, %w", svc, err)
	}
	if oldest == nil || newest == nil {
		return time.Time{}, time.Time{}, false, nil
	}
	return *oldest, *newest, true, nil
}

func (s *PostgresStore) ExpiredKeys(ctx context.Context, svc sources.Service, cutoff time.Time) ([]string, error) {
	f, err := sources.FromService(string(svc))
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT filepath FROM %s WHERE forecastcycle < $1", f.Table)
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing expired %s keys, %w", svc, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning expired %s key, %w", svc, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, svc sources.Service, cutoff time.Time) (int64, error) {
	f, err := sources.FromService(string(svc))
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE forecastcycle < $1", f.Table)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expiring %s catalog rows, %w", svc, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) queryEntries(ctx context.Context, svc sources.Service, query string, args []any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s catalog, %w", svc, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{Service: svc}
		if err := rows.Scan(&e.ForecastCycle, &e.ValidTime, &e.Tau, &e.StorageKey); err != nil {
			return nil, fmt.Errorf("scanning %s catalog row, %w", svc, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func trackTable(kind TrackKind) string {
	if kind == BestTrack {
		return "nhc_btk"
	}
	return "nhc_fcst"
}

func (s *PostgresStore) UpsertTrack(ctx context.Context, t TrackEntry) (UpsertResult, error) {
	table := trackTable(t.Kind)
	conflict := "storm_year, basin, storm"
	cols := "storm_year, basin, storm, advisory_start, advisory_end, advisory_duration_hr, filepath, md5, geometry_data, accessed"
	placeholders := "$1, $2, $3, $4, $5, $6, $7, $8, $9, now()"
	args := []any{t.StormYear, t.Basin, t.StormNumber, t.AdvisoryStart, t.AdvisoryEnd, t.AdvisoryDuration, t.StorageKey, t.MD5, t.Geometry}
	if t.Kind == ForecastTrack {
		conflict = "storm_year, basin, storm, advisory"
		cols = "storm_year, basin, storm, advisory, advisory_start, advisory_end, advisory_duration_hr, filepath, md5, geometry_data, accessed"
		placeholders = "$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now()"
		args = []any{t.StormYear, t.Basin, t.StormNumber, t.Advisory, t.AdvisoryStart, t.AdvisoryEnd, t.AdvisoryDuration, t.StorageKey, t.MD5, t.Geometry}
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)
		 ON CONFLICT (%s) DO UPDATE SET filepath = EXCLUDED.filepath, md5 = EXCLUDED.md5,
		   advisory_start = EXCLUDED.advisory_start, advisory_end = EXCLUDED.advisory_end,
		   advisory_duration_hr = EXCLUDED.advisory_duration_hr, geometry_data = EXCLUDED.geometry_data,
		   accessed = now()
		 RETURNING (xmax = 0)`, table, cols, placeholders, conflict)

	var inserted bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&inserted); err != nil {
		return "", fmt.Errorf("upserting %s track row, %w", t.Kind, err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (s *PostgresStore) FindTrack(ctx context.Context, q TrackQuery) (*TrackEntry, error) {
	table := trackTable(q.Kind)
	where := "storm_year = $1 AND basin = $2 AND storm = $3"
	args := []any{q.StormYear, q.Basin, q.StormNumber}
	if q.Kind == ForecastTrack {
		where += " AND advisory = $4"
		args = append(args, q.Advisory)
	}

	t := TrackEntry{Kind: q.Kind, StormYear: q.StormYear, Basin: q.Basin, StormNumber: q.StormNumber, Advisory: q.Advisory}
	query := fmt.Sprintf(
		`SELECT advisory_start, advisory_end, advisory_duration_hr, filepath, md5, geometry_data, accessed
		 FROM %s WHERE %s`, table, where)
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&t.AdvisoryStart, &t.AdvisoryEnd, &t.AdvisoryDuration, &t.StorageKey, &t.MD5, &t.Geometry, &t.Accessed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s track row, %w", q.Kind, err)
	}
	return &t, nil
}

func (s *PostgresStore) TrackMD5(ctx context.Context, q TrackQuery) (string, error) {
	t, err := s.FindTrack(ctx, q)
	if err != nil || t == nil {
		return "", err
	}
	return t.MD5, nil
}
