package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openjobspec/ojs-racejob/internal/api"
	"github.com/openjobspec/ojs-racejob/internal/core"
	"github.com/openjobspec/ojs-racejob/internal/scheduler"
	"github.com/openjobspec/ojs-racejob/internal/sqlstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	cfg, err := LoadConfig(NewViper(), "")
	require.NoError(t, err)
	cfg.ExecutionEnabled = false

	db, err := sqlstore.OpenWithMigrations(filepath.Join(t.TempDir(), "racejob.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zaptest.NewLogger(t).Sugar()
	sched := scheduler.New(cfg.SchedulerConfig(), sqlstore.New(db), nil, scheduler.WithLogger(log))
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	srv := httptest.NewServer(NewRouter(sched, cfg, db.PingContext, log))
	t.Cleanup(srv.Close)
	return srv, sched
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, url, nil)
		require.NoError(t, err)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouterJobLifecycle(t *testing.T) {
	srv, sched := newTestServer(t)
	base := srv.URL + APIPrefix

	resp := do(t, http.MethodPut, base+"/jobs/reports/daily", `{"cron":"0 0 1 * * ?","timezone":"+00:00","description":"daily report"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job core.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, "daily report", job.Description)
	assert.True(t, job.Enabled)

	stored, err := sched.Find(context.Background(), core.NewJobKey("reports", "daily"))
	require.NoError(t, err)
	require.NotNil(t, stored)

	resp = do(t, http.MethodGet, base+"/jobs?group=reports", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list api.JobListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, "raceJobScheduler", list.Instance)
	assert.Len(t, list.Jobs, 1)

	resp = do(t, http.MethodPost, base+"/jobs/reports/daily/disable", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job = core.Job{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.False(t, job.Enabled)

	resp = do(t, http.MethodPost, base+"/jobs/reports/daily/execute", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, http.MethodDelete, base+"/jobs/reports/daily", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, base+"/jobs/reports/daily", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterRejectsBadCron(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+APIPrefix+"/jobs/g/a", `{"cron":"every tuesday"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, api.ErrCodeInvalidJob, body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestRouterRejectsNonJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+APIPrefix+"/jobs/g/a", strings.NewReader("cron=*"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
