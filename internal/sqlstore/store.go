// Package sqlstore is the relational job store, backed by SQLite.
package sqlstore

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"

	"github.com/openjobspec/ojs-racejob/internal/core"
)

const (
	jobColumns = `"group", "name", timezone, description, cron, after_group, after_name, enabled, "data"`
	keyFilter  = `"instance" = ? AND "group" = ? AND "name" = ?`

	sqlFindAll        = `SELECT ` + jobColumns + ` FROM race_job WHERE "instance" = ? ORDER BY "group", "name"`
	sqlFindAllByGroup = `SELECT ` + jobColumns + ` FROM race_job WHERE "instance" = ? AND "group" = ? ORDER BY "name"`
	sqlFind           = `SELECT ` + jobColumns + ` FROM race_job WHERE ` + keyFilter
	sqlFindStatus     = `SELECT state, next_time, last_active_time, enabled FROM race_job WHERE ` + keyFilter

	sqlInsert = `INSERT INTO race_job ("instance", "group", "name", timezone, description, cron, after_group, after_name, next_time, enabled, "data")
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdate = `UPDATE race_job SET timezone = ?, description = ?, cron = ?, after_group = ?, after_name = ?, next_time = ?, enabled = ?, "data" = ?
WHERE ` + keyFilter
	sqlUpdateActive = `UPDATE race_job SET last_active_time = ? WHERE ` + keyFilter
	sqlDelete       = `DELETE FROM race_job WHERE ` + keyFilter
	sqlSetEnabled   = `UPDATE race_job SET enabled = ? WHERE ` + keyFilter

	sqlRelease = `UPDATE race_job SET state = ? WHERE ` + keyFilter + ` AND state = ? AND next_time < ?`
	sqlCompete = `UPDATE race_job SET state = ?, prev_time = start_time, next_time = ?, start_time = ?, end_time = 0, last_active_time = ?
WHERE ` + keyFilter + ` AND enabled = 1 AND state = ? AND next_time < ?`
	sqlCompeteAt = `UPDATE race_job SET prev_time = start_time, start_time = ?, end_time = 0 WHERE ` + keyFilter + ` AND start_time <> ?`
	sqlFinish    = `UPDATE race_job SET state = ?, end_time = ? WHERE ` + keyFilter
)

// Store implements core.Store on a *sql.DB holding the race_job table.
type Store struct {
	db *sql.DB
}

var _ core.Store = (*Store)(nil)

// New wraps db. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*core.Job, error) {
	var (
		job  core.Job
		data string
	)
	if err := row.Scan(&job.Group, &job.Name, &job.Timezone, &job.Description, &job.Cron,
		&job.AfterGroup, &job.AfterName, &job.Enabled, &data); err != nil {
		return nil, err
	}
	decoded, err := core.DecodeData(data)
	if err != nil {
		return nil, err
	}
	job.Data = decoded
	return &job, nil
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.StoreError(err, op)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, core.StoreError(err, op)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, core.StoreError(err, op)
	}
	return jobs, nil
}

func (s *Store) FindAll(ctx context.Context, instance string) ([]*core.Job, error) {
	return s.queryJobs(ctx, "find all", sqlFindAll, instance)
}

func (s *Store) FindAllByGroup(ctx context.Context, instance, group string) ([]*core.Job, error) {
	return s.queryJobs(ctx, "find by group", sqlFindAllByGroup, instance, group)
}

func (s *Store) Find(ctx context.Context, instance string, key core.JobKey) (*core.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, sqlFind, instance, key.Group, key.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.StoreError(err, "find")
	}
	return job, nil
}

func (s *Store) Insert(ctx context.Context, instance string, job *core.Job, nextTime int64) error {
	data, err := core.EncodeData(job.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlInsert, instance, job.Group, job.Name, job.Timezone, job.Description,
		job.Cron, job.AfterGroup, job.AfterName, nextTime, job.Enabled, data)
	if isConstraint(err) {
		return errors.Wrapf(core.ErrJobExists, "insert %s", job.Key())
	}
	return core.StoreError(err, "insert")
}

func (s *Store) Update(ctx context.Context, instance string, job *core.Job, nextTime int64) error {
	data, err := core.EncodeData(job.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlUpdate, job.Timezone, job.Description, job.Cron, job.AfterGroup,
		job.AfterName, nextTime, job.Enabled, data, instance, job.Group, job.Name)
	return core.StoreError(err, "update")
}

func (s *Store) UpdateActive(ctx context.Context, instance string, key core.JobKey, activeTime int64) error {
	_, err := s.exec(ctx, "update active", sqlUpdateActive, activeTime, instance, key.Group, key.Name)
	return err
}

func (s *Store) Delete(ctx context.Context, instance string, key core.JobKey) error {
	_, err := s.exec(ctx, "delete", sqlDelete, instance, key.Group, key.Name)
	return err
}

func (s *Store) Enable(ctx context.Context, instance string, key core.JobKey) error {
	_, err := s.exec(ctx, "enable", sqlSetEnabled, true, instance, key.Group, key.Name)
	return err
}

func (s *Store) Disable(ctx context.Context, instance string, key core.JobKey) error {
	_, err := s.exec(ctx, "disable", sqlSetEnabled, false, instance, key.Group, key.Name)
	return err
}

func (s *Store) GetStatus(ctx context.Context, instance string, key core.JobKey) (*core.JobStatus, error) {
	var status core.JobStatus
	err := s.db.QueryRowContext(ctx, sqlFindStatus, instance, key.Group, key.Name).
		Scan(&status.State, &status.NextTime, &status.LastActiveTime, &status.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.StoreError(err, "get status")
	}
	return &status, nil
}

func (s *Store) Release(ctx context.Context, instance string, key core.JobKey, nextTime int64) (int64, error) {
	return s.exec(ctx, "release", sqlRelease, core.StateWaiting, instance, key.Group, key.Name,
		core.StateExecuting, nextTime)
}

func (s *Store) Compete(ctx context.Context, instance string, key core.JobKey, nextTime, startTime int64) (int64, error) {
	return s.exec(ctx, "compete", sqlCompete, core.StateExecuting, nextTime, startTime, startTime,
		instance, key.Group, key.Name, core.StateWaiting, nextTime)
}

func (s *Store) CompeteAt(ctx context.Context, instance string, key core.JobKey, startTime int64) (int64, error) {
	return s.exec(ctx, "compete at", sqlCompeteAt, startTime, instance, key.Group, key.Name, startTime)
}

func (s *Store) Finish(ctx context.Context, instance string, key core.JobKey, endTime int64) (int64, error) {
	return s.exec(ctx, "finish", sqlFinish, core.StateWaiting, endTime, instance, key.Group, key.Name)
}

// exec runs a single-row mutation and returns the affected row count.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, core.StoreError(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.StoreError(err, op)
	}
	return n, nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
