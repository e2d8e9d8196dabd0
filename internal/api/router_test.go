package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/classml/classml/internal/backend"
	"github.com/classml/classml/internal/config"
	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/db/repositories"
	"github.com/classml/classml/internal/lifecycle"
	"github.com/classml/classml/internal/middleware"
	"github.com/classml/classml/internal/pool"
	"github.com/classml/classml/internal/scratch"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeProjects struct {
	projects map[string]*models.Project
	err      error
}

func (f *fakeProjects) GetProject(_ context.Context, id string) (*models.Project, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.projects[id], nil
}

type fakeLifecycle struct {
	trainRec  *models.ClassifierRecord
	trainErr  error
	status    models.ClassifierStatus
	statusErr error
	sweepErr  error
	swept     int
}

func (f *fakeLifecycle) Train(_ context.Context, _ *models.Project, _ json.RawMessage) (*models.ClassifierRecord, error) {
	return f.trainRec, f.trainErr
}

func (f *fakeLifecycle) Status(_ context.Context, _ *models.Project) (models.ClassifierStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeLifecycle) ExpireSweep(_ context.Context) error {
	f.swept++
	return f.sweepErr
}

type fakeScratch struct {
	keys        map[string]*models.ScratchKey
	results     []backend.Classification
	classifyErr error
}

func (f *fakeScratch) Resolve(_ context.Context, keyID string) (*models.ScratchKey, error) {
	key, ok := f.keys[keyID]
	if !ok {
		return nil, scratch.ErrKeyNotFound
	}
	return key, nil
}

func (f *fakeScratch) Classify(_ context.Context, keyID, _ string) ([]backend.Classification, error) {
	if _, ok := f.keys[keyID]; !ok {
		return nil, scratch.ErrKeyNotFound
	}
	return f.results, f.classifyErr
}

type fakeJobs struct {
	enqueued []models.JobType
	drained  int
	drainErr error
}

func (f *fakeJobs) Enqueue(_ context.Context, jobType models.JobType, _ any) error {
	f.enqueued = append(f.enqueued, jobType)
	return nil
}

func (f *fakeJobs) Drain(_ context.Context) error {
	f.drained++
	return f.drainErr
}

type fakePoison struct {
	jobs []*models.PendingJob
	err  error
}

func (f *fakePoison) ListPoison(_ context.Context) ([]*models.PendingJob, error) {
	return f.jobs, f.err
}

type fakeProbe struct{ err error }

func (f *fakeProbe) Exists(_ context.Context, _ string) (bool, error) {
	return f.err == nil, f.err
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

const testSchedulerSecret = "scheduler-secret-that-is-32-chars"

type testRouter struct {
	engine    *gin.Engine
	projects  *fakeProjects
	lifecycle *fakeLifecycle
	scratch   *fakeScratch
	jobs      *fakeJobs
	poison    *fakePoison
}

func newTestRouter(t *testing.T, pingOK bool) *testRouter {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}

	cfg := &config.Config{}
	cfg.Security.SchedulerTokenSecret = testSchedulerSecret

	tr := &testRouter{
		projects: &fakeProjects{projects: map[string]*models.Project{
			"proj-1": {
				ID:       "proj-1",
				Name:     "animal sounds",
				Type:     models.ServiceText,
				TenantID: "tenant-1",
				UserID:   "student-1",
				Labels:   []string{"cat", "dog", "bird"},
			},
		}},
		lifecycle: &fakeLifecycle{},
		scratch:   &fakeScratch{keys: map[string]*models.ScratchKey{}},
		jobs:      &fakeJobs{},
		poison:    &fakePoison{},
	}
	tr.engine = NewRouter(cfg, Deps{
		DB:        db,
		Objects:   &fakeProbe{},
		Projects:  tr.projects,
		Lifecycle: tr.lifecycle,
		Scratch:   tr.scratch,
		Jobs:      tr.jobs,
		Poison:    tr.poison,
	})
	return tr
}

func (tr *testRouter) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	tr.engine.ServeHTTP(w, req)
	return w
}

func schedulerHeader(t *testing.T) map[string]string {
	t.Helper()
	claims := &middleware.SchedulerClaims{
		Scope: "scheduler",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSchedulerSecret))
	if err != nil {
		t.Fatalf("signing scheduler token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return body
}

// ---------------------------------------------------------------------------
// probes
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	tr := newTestRouter(t, true)

	w := tr.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "healthy" {
		t.Errorf("body status = %v, want healthy", body["status"])
	}
}

func TestHealthCheck_DatabaseDown(t *testing.T) {
	tr := newTestRouter(t, false)

	w := tr.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestReadiness_StorageDown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectPing()

	cfg := &config.Config{}
	cfg.Security.SchedulerTokenSecret = testSchedulerSecret
	engine := NewRouter(cfg, Deps{
		DB:        db,
		Objects:   &fakeProbe{err: errors.New("bucket unreachable")},
		Projects:  &fakeProjects{},
		Lifecycle: &fakeLifecycle{},
		Scratch:   &fakeScratch{},
		Jobs:      &fakeJobs{},
		Poison:    &fakePoison{},
	})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ---------------------------------------------------------------------------
// training
// ---------------------------------------------------------------------------

func TestTrain_Success(t *testing.T) {
	tr := newTestRouter(t, true)
	tr.lifecycle.trainRec = &models.ClassifierRecord{
		ClassifierID: "backend-clf-1",
		Status:       models.StatusAvailable,
		ExpiresAt:    time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC),
	}

	w := tr.do(t, http.MethodPost, "/api/projects/proj-1/models", gin.H{"data": gin.H{}}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["classifierid"] != "backend-clf-1" {
		t.Errorf("classifierid = %v", body["classifierid"])
	}
	if body["expiry"] != "2026-09-02T12:00:00Z" {
		t.Errorf("expiry = %v", body["expiry"])
	}
}

func TestTrain_UnknownProject(t *testing.T) {
	tr := newTestRouter(t, true)

	w := tr.do(t, http.MethodPost, "/api/projects/nope/models", gin.H{"data": gin.H{}}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestTrain_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"rate limited", &lifecycle.TrainError{Kind: pool.KindRateLimited}, http.StatusTooManyRequests},
		{"capacity", &lifecycle.TrainError{Kind: pool.KindCapacityExhausted}, http.StatusConflict},
		{"credentials", &lifecycle.TrainError{Kind: pool.KindCredentialsRejected}, http.StatusConflict},
		{"model lost", &lifecycle.TrainError{Kind: pool.KindNotFound, ModelLost: true}, http.StatusNotFound},
		{"unknown", &lifecycle.TrainError{Kind: pool.KindUnknown}, http.StatusInternalServerError},
		{"write conflict", repositories.ErrConflict, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRouter(t, true)
			tr.lifecycle.trainErr = tt.err

			w := tr.do(t, http.MethodPost, "/api/projects/proj-1/models", gin.H{"data": gin.H{}}, nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if body := decodeBody(t, w); body["error"] == "" {
				t.Error("expected a user-facing error message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// scratch surface
// ---------------------------------------------------------------------------

func TestScratchStatus_UnknownKey(t *testing.T) {
	tr := newTestRouter(t, true)

	w := tr.do(t, http.MethodGet, "/api/scratch/nope/status", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestScratchStatus_UntrainedKey(t *testing.T) {
	tr := newTestRouter(t, true)
	tr.scratch.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1"}

	w := tr.do(t, http.MethodGet, "/api/scratch/key-1/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != float64(0) {
		t.Errorf("scratch status = %v, want 0", body["status"])
	}
}

func TestScratchStatus_TrainedKey(t *testing.T) {
	tests := []struct {
		name   string
		status models.ClassifierStatus
		want   float64
	}{
		{"available", models.StatusAvailable, 2},
		{"training", models.StatusTraining, 1},
		{"failed", models.StatusFailed, 0},
		{"nonexistent", models.StatusNonExistent, 0},
	}

	clfID := "backend-clf-1"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRouter(t, true)
			tr.scratch.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1", ClassifierID: &clfID}
			tr.lifecycle.status = tt.status

			w := tr.do(t, http.MethodGet, "/api/scratch/key-1/status", nil, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if body := decodeBody(t, w); body["status"] != tt.want {
				t.Errorf("scratch status = %v, want %v", body["status"], tt.want)
			}
		})
	}
}

func TestScratchClassify(t *testing.T) {
	tr := newTestRouter(t, true)
	tr.scratch.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1"}
	tr.scratch.results = []backend.Classification{
		{Label: "cat", Confidence: 33, Random: true},
	}

	w := tr.do(t, http.MethodPost, "/api/scratch/key-1/classify", gin.H{"data": "meow"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	var results []backend.Classification
	if err := json.Unmarshal(w.Body.Bytes(), &results); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(results) != 1 || results[0].Label != "cat" || !results[0].Random {
		t.Errorf("results = %+v", results)
	}
}

func TestScratchClassify_MissingData(t *testing.T) {
	tr := newTestRouter(t, true)
	tr.scratch.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1"}

	w := tr.do(t, http.MethodPost, "/api/scratch/key-1/classify", gin.H{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// Two classrooms behind the same NAT address must not share one rate-limit
// bucket: the limiter keys on the tenant resolved from the scratch key, so
// exhausting one tenant's budget leaves another's untouched.
func TestRateLimit_IndependentTenantBudgets(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Security.SchedulerTokenSecret = testSchedulerSecret
	cfg.Security.RateLimiting = config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             1,
	}

	keys := &fakeScratch{keys: map[string]*models.ScratchKey{
		"key-a": {ID: "key-a", ProjectID: "proj-a", TenantID: "tenant-a"},
		"key-b": {ID: "key-b", ProjectID: "proj-b", TenantID: "tenant-b"},
	}}
	tr := &testRouter{
		projects:  &fakeProjects{projects: map[string]*models.Project{}},
		lifecycle: &fakeLifecycle{},
		scratch:   keys,
		jobs:      &fakeJobs{},
		poison:    &fakePoison{},
	}
	tr.engine = NewRouter(cfg, Deps{
		DB:        db,
		Objects:   &fakeProbe{},
		Projects:  tr.projects,
		Lifecycle: tr.lifecycle,
		Scratch:   tr.scratch,
		Jobs:      tr.jobs,
		Poison:    tr.poison,
	})

	if w := tr.do(t, http.MethodGet, "/api/scratch/key-a/status", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("tenant-a first request status = %d, want 200", w.Code)
	}
	if w := tr.do(t, http.MethodGet, "/api/scratch/key-a/status", nil, nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("tenant-a second request status = %d, want 429", w.Code)
	}
	if w := tr.do(t, http.MethodGet, "/api/scratch/key-b/status", nil, nil); w.Code != http.StatusOK {
		t.Errorf("tenant-b status = %d, want 200 after tenant-a exhausted its budget", w.Code)
	}
}

// ---------------------------------------------------------------------------
// internal surface
// ---------------------------------------------------------------------------

func TestInternal_RequiresSchedulerToken(t *testing.T) {
	tr := newTestRouter(t, true)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/internal/cleanup"},
		{http.MethodGet, "/internal/jobs/poison"},
		{http.MethodPost, "/internal/scheduler/expiry-sweep"},
		{http.MethodPost, "/internal/scheduler/drain"},
	}
	for _, route := range routes {
		w := tr.do(t, route.method, route.path, nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401 without token", route.path, w.Code)
		}
	}
}

func TestCleanup_EnqueuesJob(t *testing.T) {
	tr := newTestRouter(t, true)

	w := tr.do(t, http.MethodPost, "/internal/cleanup", gin.H{
		"type": "delete-project-media",
		"spec": gin.H{"classid": "t1", "userid": "u1", "projectid": "p1"},
	}, schedulerHeader(t))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}
	if len(tr.jobs.enqueued) != 1 || tr.jobs.enqueued[0] != models.JobDeleteProjectMedia {
		t.Errorf("enqueued = %v", tr.jobs.enqueued)
	}
}

func TestCleanup_UnknownJobType(t *testing.T) {
	tr := newTestRouter(t, true)

	w := tr.do(t, http.MethodPost, "/internal/cleanup", gin.H{
		"type": "delete-everything",
		"spec": gin.H{"classid": "t1"},
	}, schedulerHeader(t))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(tr.jobs.enqueued) != 0 {
		t.Errorf("unexpected enqueue: %v", tr.jobs.enqueued)
	}
}

func TestPoisonList(t *testing.T) {
	tr := newTestRouter(t, true)
	last := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	tr.poison.jobs = []*models.PendingJob{
		{
			ID:          "job-1",
			Type:        models.JobDeleteObject,
			Payload:     json.RawMessage(`{"classid":"t1","userid":"u1","projectid":"p1","objectid":"o1"}`),
			Attempts:    10,
			LastAttempt: &last,
			Status:      models.JobStatusPoison,
		},
	}

	w := tr.do(t, http.MethodGet, "/internal/jobs/poison", nil, schedulerHeader(t))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	var out []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(out) != 1 || out[0]["id"] != "job-1" || out[0]["type"] != "delete-object" {
		t.Errorf("poison jobs = %+v", out)
	}
	if out[0]["attempts"] != float64(10) {
		t.Errorf("attempts = %v, want 10", out[0]["attempts"])
	}
}

func TestSchedulerTriggers(t *testing.T) {
	tr := newTestRouter(t, true)
	headers := schedulerHeader(t)

	w := tr.do(t, http.MethodPost, "/internal/scheduler/expiry-sweep", nil, headers)
	if w.Code != http.StatusOK {
		t.Errorf("sweep status = %d, want 200", w.Code)
	}
	if tr.lifecycle.swept != 1 {
		t.Errorf("sweep invocations = %d, want 1", tr.lifecycle.swept)
	}

	w = tr.do(t, http.MethodPost, "/internal/scheduler/drain", nil, headers)
	if w.Code != http.StatusOK {
		t.Errorf("drain status = %d, want 200", w.Code)
	}
	if tr.jobs.drained != 1 {
		t.Errorf("drain invocations = %d, want 1", tr.jobs.drained)
	}
}

func TestDrain_HaltReportsError(t *testing.T) {
	tr := newTestRouter(t, true)
	tr.jobs.drainErr = errors.New("queue unreadable")

	w := tr.do(t, http.MethodPost, "/internal/scheduler/drain", nil, schedulerHeader(t))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
