package kv

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-racejob/internal/core"
)

// jobRecord is the JSON document stored per job.
type jobRecord struct {
	core.Job
	State          core.JobState `json:"state"`
	NextTime       int64         `json:"next_time"`
	PrevTime       int64         `json:"prev_time"`
	StartTime      int64         `json:"start_time"`
	EndTime        int64         `json:"end_time"`
	LastActiveTime int64         `json:"last_active_time"`
}

func (r *jobRecord) job() *core.Job {
	j := r.Job.Clone()
	if j.Data == nil {
		j.Data = map[string]any{}
	}
	return j
}

// JobStore implements core.Store on a NATS KV bucket. Every conditional
// transition is a compare-and-swap on the entry revision, so exactly one
// writer wins a race.
type JobStore struct {
	store *Store
}

var _ core.Store = (*JobStore)(nil)

// NewJobStore creates a JobStore over the given bucket.
func NewJobStore(kv jetstream.KeyValue) *JobStore {
	return &JobStore{store: NewStore(kv)}
}

// keyToken encodes one key segment into the KV key alphabet.
func keyToken(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func instancePrefix(instance string) string {
	return keyToken(instance) + "."
}

func groupPrefix(instance, group string) string {
	return instancePrefix(instance) + keyToken(group) + "."
}

// JobKey returns the bucket key holding a job.
func JobKey(instance string, key core.JobKey) string {
	return groupPrefix(instance, key.Group) + keyToken(key.Name)
}

func (s *JobStore) FindAll(ctx context.Context, instance string) ([]*core.Job, error) {
	return s.list(ctx, instancePrefix(instance))
}

func (s *JobStore) FindAllByGroup(ctx context.Context, instance, group string) ([]*core.Job, error) {
	return s.list(ctx, groupPrefix(instance, group))
}

func (s *JobStore) list(ctx context.Context, prefix string) ([]*core.Job, error) {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		return nil, core.StoreError(err, "list keys")
	}

	var jobs []*core.Job
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var rec jobRecord
		if _, err := s.store.GetJSON(ctx, key, &rec); err != nil {
			// Deleted between listing and reading.
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, core.StoreError(err, "find all")
		}
		jobs = append(jobs, rec.job())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Group != jobs[j].Group {
			return jobs[i].Group < jobs[j].Group
		}
		return jobs[i].Name < jobs[j].Name
	})
	return jobs, nil
}

func (s *JobStore) read(ctx context.Context, instance string, key core.JobKey, op string) (*jobRecord, error) {
	var rec jobRecord
	_, err := s.store.GetJSON(ctx, JobKey(instance, key), &rec)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, core.StoreError(err, op)
	}
	return &rec, nil
}

func (s *JobStore) Find(ctx context.Context, instance string, key core.JobKey) (*core.Job, error) {
	rec, err := s.read(ctx, instance, key, "find")
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.job(), nil
}

func (s *JobStore) GetStatus(ctx context.Context, instance string, key core.JobKey) (*core.JobStatus, error) {
	rec, err := s.read(ctx, instance, key, "get status")
	if err != nil || rec == nil {
		return nil, err
	}
	return &core.JobStatus{
		State:          rec.State,
		NextTime:       rec.NextTime,
		LastActiveTime: rec.LastActiveTime,
		Enabled:        rec.Enabled,
	}, nil
}

func (s *JobStore) Insert(ctx context.Context, instance string, job *core.Job, nextTime int64) error {
	rec := jobRecord{Job: *job.Clone(), State: core.StateWaiting, NextTime: nextTime}
	_, err := s.store.CreateJSON(ctx, JobKey(instance, job.Key()), &rec)
	if IsConflict(err) {
		return errors.Wrapf(core.ErrJobExists, "insert %s", job.Key())
	}
	return core.StoreError(err, "insert")
}

func (s *JobStore) Update(ctx context.Context, instance string, job *core.Job, nextTime int64) error {
	_, err := s.mutate(ctx, "update", instance, job.Key(), func(r *jobRecord) bool {
		r.Timezone = job.Timezone
		r.Description = job.Description
		r.Cron = job.Cron
		r.AfterGroup = job.AfterGroup
		r.AfterName = job.AfterName
		r.Enabled = job.Enabled
		r.Data = job.Clone().Data
		r.NextTime = nextTime
		return true
	})
	return err
}

func (s *JobStore) UpdateActive(ctx context.Context, instance string, key core.JobKey, activeTime int64) error {
	_, err := s.mutate(ctx, "update active", instance, key, func(r *jobRecord) bool {
		r.LastActiveTime = activeTime
		return true
	})
	return err
}

func (s *JobStore) Delete(ctx context.Context, instance string, key core.JobKey) error {
	err := s.store.Delete(ctx, JobKey(instance, key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return core.StoreError(err, "delete")
}

func (s *JobStore) Enable(ctx context.Context, instance string, key core.JobKey) error {
	return s.setEnabled(ctx, instance, key, true)
}

func (s *JobStore) Disable(ctx context.Context, instance string, key core.JobKey) error {
	return s.setEnabled(ctx, instance, key, false)
}

func (s *JobStore) setEnabled(ctx context.Context, instance string, key core.JobKey, enabled bool) error {
	_, err := s.mutate(ctx, "set enabled", instance, key, func(r *jobRecord) bool {
		if r.Enabled == enabled {
			return false
		}
		r.Enabled = enabled
		return true
	})
	return err
}

func (s *JobStore) Release(ctx context.Context, instance string, key core.JobKey, nextTime int64) (int64, error) {
	return s.mutate(ctx, "release", instance, key, func(r *jobRecord) bool {
		if r.State != core.StateExecuting || r.NextTime >= nextTime {
			return false
		}
		r.State = core.StateWaiting
		return true
	})
}

func (s *JobStore) Compete(ctx context.Context, instance string, key core.JobKey, nextTime, startTime int64) (int64, error) {
	return s.mutate(ctx, "compete", instance, key, func(r *jobRecord) bool {
		if !r.Enabled || r.State != core.StateWaiting || r.NextTime >= nextTime {
			return false
		}
		r.State = core.StateExecuting
		r.PrevTime = r.StartTime
		r.NextTime = nextTime
		r.StartTime = startTime
		r.EndTime = 0
		r.LastActiveTime = startTime
		return true
	})
}

func (s *JobStore) CompeteAt(ctx context.Context, instance string, key core.JobKey, startTime int64) (int64, error) {
	return s.mutate(ctx, "compete at", instance, key, func(r *jobRecord) bool {
		if r.StartTime == startTime {
			return false
		}
		r.PrevTime = r.StartTime
		r.StartTime = startTime
		r.EndTime = 0
		return true
	})
}

func (s *JobStore) Finish(ctx context.Context, instance string, key core.JobKey, endTime int64) (int64, error) {
	return s.mutate(ctx, "finish", instance, key, func(r *jobRecord) bool {
		r.State = core.StateWaiting
		r.EndTime = endTime
		return true
	})
}

// mutate applies fn to the stored record and returns 1 when it was written.
// A missing record is not an error and yields 0.
func (s *JobStore) mutate(ctx context.Context, op, instance string, key core.JobKey, fn func(*jobRecord) bool) (int64, error) {
	written, err := UpdateJSON(ctx, s.store, JobKey(instance, key), fn)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, core.StoreError(err, op)
	}
	if !written {
		return 0, nil
	}
	return 1, nil
}
