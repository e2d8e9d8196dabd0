package scratch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/classml/classml/internal/backend"
	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/pool"
)

type fakeKeyStore struct {
	keys map[string]*models.ScratchKey
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]*models.ScratchKey{}}
}

func (f *fakeKeyStore) GetByID(ctx context.Context, id string) (*models.ScratchKey, error) {
	return f.keys[id], nil
}

func (f *fakeKeyStore) GetByProjectAndOwner(ctx context.Context, projectID, userID string) (*models.ScratchKey, error) {
	for _, key := range f.keys {
		if key.ProjectID == projectID && key.UserID == userID {
			return key, nil
		}
	}
	return nil, nil
}

func (f *fakeKeyStore) Create(ctx context.Context, key *models.ScratchKey) error {
	f.keys[key.ID] = key
	return nil
}

func (f *fakeKeyStore) UpdateBinding(ctx context.Context, keyID string, classifierID, credentialsID *string, updated time.Time) error {
	key, ok := f.keys[keyID]
	if !ok {
		return errors.New("no such key")
	}
	key.ClassifierID = classifierID
	key.CredentialsID = credentialsID
	key.UpdatedAt = updated
	return nil
}

func (f *fakeKeyStore) ResetByClassifier(ctx context.Context, classifierID string, updated time.Time) ([]string, error) {
	var ids []string
	for _, key := range f.keys {
		if key.ClassifierID != nil && *key.ClassifierID == classifierID {
			key.ClassifierID = nil
			key.CredentialsID = nil
			key.UpdatedAt = updated
			ids = append(ids, key.ID)
		}
	}
	return ids, nil
}

type fakeProjects struct {
	projects map[string]*models.Project
}

func (f *fakeProjects) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return f.projects[id], nil
}

type fakeResolver struct {
	creds map[string]*models.CredentialSet
}

func (f *fakeResolver) Resolve(ctx context.Context, id string) (*models.CredentialSet, error) {
	cred, ok := f.creds[id]
	if !ok {
		return nil, pool.ErrNoCredentials
	}
	return cred, nil
}

type fakeBackend struct {
	results []backend.Classification
	err     error
	calls   int
}

func (f *fakeBackend) Train(ctx context.Context, creds *models.CredentialSet, classifierID string, req *backend.TrainRequest) (*backend.TrainResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBackend) ProbeStatus(ctx context.Context, creds *models.CredentialSet, classifierID string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeBackend) Classify(ctx context.Context, creds *models.CredentialSet, classifierID, input string) ([]backend.Classification, error) {
	f.calls++
	return f.results, f.err
}

func (f *fakeBackend) Delete(ctx context.Context, creds *models.CredentialSet, classifierID string) error {
	return errors.New("not implemented")
}

// memoryCache is an in-process stand-in for the Redis cache.
type memoryCache struct {
	entries map[string]*models.ScratchKey
	hits    int
	sets    int
	dels    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]*models.ScratchKey{}}
}

func (c *memoryCache) Get(ctx context.Context, keyID string) (*models.ScratchKey, bool) {
	key, ok := c.entries[keyID]
	if ok {
		c.hits++
	}
	return key, ok
}

func (c *memoryCache) Set(ctx context.Context, key *models.ScratchKey) {
	c.entries[key.ID] = key
	c.sets++
}

func (c *memoryCache) Invalidate(ctx context.Context, keyIDs ...string) {
	for _, id := range keyIDs {
		delete(c.entries, id)
		c.dels++
	}
}

func strPtr(s string) *string { return &s }

func testBinder(t *testing.T, store *fakeKeyStore, projects *fakeProjects, resolver *fakeResolver, client backend.Client, cache KeyCache) *Binder {
	t.Helper()
	registry := backend.Registry{models.ServiceText: client}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBinder(store, projects, resolver, registry, cache, logger)
}

func testProject() *models.Project {
	return &models.Project{
		ID:       "proj-1",
		Name:     "animals",
		Type:     models.ServiceText,
		TenantID: "tenant-1",
		UserID:   "user-1",
		Labels:   []string{"cat", "dog", "bird"},
	}
}

func TestBind_UpsertIsIdempotent(t *testing.T) {
	store := newFakeKeyStore()
	b := testBinder(t, store, &fakeProjects{}, &fakeResolver{}, &fakeBackend{}, nil)
	project := testProject()

	if err := b.Bind(context.Background(), project, strPtr("c1"), strPtr("clf-1"), time.Now()); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if err := b.Bind(context.Background(), project, strPtr("c1"), strPtr("clf-2"), time.Now()); err != nil {
		t.Fatalf("second Bind: %v", err)
	}

	if len(store.keys) != 1 {
		t.Fatalf("keys = %d, want exactly 1 after rebinding", len(store.keys))
	}
	for _, key := range store.keys {
		if key.ClassifierID == nil || *key.ClassifierID != "clf-2" {
			t.Errorf("ClassifierID = %v, want the second binding retained", key.ClassifierID)
		}
	}
}

func TestResolve_UnknownKey(t *testing.T) {
	b := testBinder(t, newFakeKeyStore(), &fakeProjects{}, &fakeResolver{}, &fakeBackend{}, nil)

	_, err := b.Resolve(context.Background(), "nope")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("error = %v, want ErrKeyNotFound", err)
	}
}

func TestResolve_KnownButUntrained(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1", UserID: "user-1"}
	b := testBinder(t, store, &fakeProjects{}, &fakeResolver{}, &fakeBackend{}, nil)

	key, err := b.Resolve(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key.Trained() {
		t.Error("key should resolve as untrained, not fail")
	}
}

func TestResolve_ReadThroughCache(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1", UserID: "user-1"}
	cache := newMemoryCache()
	b := testBinder(t, store, &fakeProjects{}, &fakeResolver{}, &fakeBackend{}, cache)

	if _, err := b.Resolve(context.Background(), "key-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cache.sets != 1 {
		t.Errorf("cache sets = %d, want 1 after a miss", cache.sets)
	}

	if _, err := b.Resolve(context.Background(), "key-1"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if cache.hits != 1 {
		t.Errorf("cache hits = %d, want 1", cache.hits)
	}
}

func TestBind_InvalidatesCache(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1", UserID: "user-1"}
	cache := newMemoryCache()
	cache.entries["key-1"] = store.keys["key-1"]
	b := testBinder(t, store, &fakeProjects{}, &fakeResolver{}, &fakeBackend{}, cache)

	if err := b.Bind(context.Background(), testProject(), strPtr("c1"), strPtr("clf-1"), time.Now()); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if cache.dels != 1 {
		t.Errorf("cache invalidations = %d, want 1", cache.dels)
	}
}

func TestReset_ClearsBindingsAndCache(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1", UserID: "user-1", ClassifierID: strPtr("clf-1"), CredentialsID: strPtr("c1")}
	store.keys["key-2"] = &models.ScratchKey{ID: "key-2", ProjectID: "proj-2", UserID: "user-2", ClassifierID: strPtr("clf-other"), CredentialsID: strPtr("c2")}
	cache := newMemoryCache()
	cache.entries["key-1"] = store.keys["key-1"]
	b := testBinder(t, store, &fakeProjects{}, &fakeResolver{}, &fakeBackend{}, cache)

	if err := b.Reset(context.Background(), "clf-1", time.Now()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if store.keys["key-1"].Trained() {
		t.Error("key-1 should be reset to untrained shape")
	}
	if !store.keys["key-2"].Trained() {
		t.Error("key-2 bound to another classifier must be untouched")
	}
	if cache.dels != 1 {
		t.Errorf("cache invalidations = %d, want 1", cache.dels)
	}
}

func TestClassify_RandomFallbackWhenUntrained(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1", ProjectType: models.ServiceText, UserID: "user-1"}
	projects := &fakeProjects{projects: map[string]*models.Project{"proj-1": testProject()}}
	client := &fakeBackend{}
	b := testBinder(t, store, projects, &fakeResolver{}, client, nil)

	results, err := b.Classify(context.Background(), "key-1", "meow")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if !results[0].Random {
		t.Error("fallback answer must be tagged random")
	}
	// round(100/3)
	if results[0].Confidence != 33 {
		t.Errorf("Confidence = %d, want 33", results[0].Confidence)
	}
	found := false
	for _, label := range testProject().Labels {
		if results[0].Label == label {
			found = true
		}
	}
	if !found {
		t.Errorf("Label = %q, not in the project's label set", results[0].Label)
	}
	if client.calls != 0 {
		t.Error("untrained key must not reach the backend")
	}
}

func TestClassify_RandomFallbackCoversAllLabels(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{ID: "key-1", ProjectID: "proj-1", ProjectType: models.ServiceText, UserID: "user-1"}
	projects := &fakeProjects{projects: map[string]*models.Project{"proj-1": testProject()}}
	b := testBinder(t, store, projects, &fakeResolver{}, &fakeBackend{}, nil)

	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		results, err := b.Classify(context.Background(), "key-1", "meow")
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		seen[results[0].Label]++
	}
	for _, label := range testProject().Labels {
		if seen[label] == 0 {
			t.Errorf("label %q never chosen in 300 random answers", label)
		}
	}
}

func TestClassify_TrainedKeyUsesBackend(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{
		ID: "key-1", ProjectID: "proj-1", ProjectType: models.ServiceText,
		UserID: "user-1", ClassifierID: strPtr("clf-1"), CredentialsID: strPtr("c1"),
	}
	projects := &fakeProjects{projects: map[string]*models.Project{"proj-1": testProject()}}
	resolver := &fakeResolver{creds: map[string]*models.CredentialSet{"c1": {ID: "c1"}}}
	client := &fakeBackend{results: []backend.Classification{
		{Label: "cat", Confidence: 91},
		{Label: "dog", Confidence: 7},
	}}
	b := testBinder(t, store, projects, resolver, client, nil)

	results, err := b.Classify(context.Background(), "key-1", "meow")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(results) != 2 || results[0].Label != "cat" || results[0].Random {
		t.Errorf("results = %+v, want the backend's ranked answers", results)
	}
}

func TestClassify_ModelGoneFallsBackToRandom(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{
		ID: "key-1", ProjectID: "proj-1", ProjectType: models.ServiceText,
		UserID: "user-1", ClassifierID: strPtr("clf-1"), CredentialsID: strPtr("c1"),
	}
	projects := &fakeProjects{projects: map[string]*models.Project{"proj-1": testProject()}}
	resolver := &fakeResolver{creds: map[string]*models.CredentialSet{"c1": {ID: "c1"}}}
	client := &fakeBackend{err: &backend.Error{Backend: "conv", StatusCode: http.StatusNotFound, Code: "workspace_not_found"}}
	b := testBinder(t, store, projects, resolver, client, nil)

	results, err := b.Classify(context.Background(), "key-1", "meow")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(results) != 1 || !results[0].Random {
		t.Errorf("results = %+v, want a single random answer", results)
	}
}

func TestClassify_BackendErrorPropagates(t *testing.T) {
	store := newFakeKeyStore()
	store.keys["key-1"] = &models.ScratchKey{
		ID: "key-1", ProjectID: "proj-1", ProjectType: models.ServiceText,
		UserID: "user-1", ClassifierID: strPtr("clf-1"), CredentialsID: strPtr("c1"),
	}
	projects := &fakeProjects{projects: map[string]*models.Project{"proj-1": testProject()}}
	resolver := &fakeResolver{creds: map[string]*models.CredentialSet{"c1": {ID: "c1"}}}
	client := &fakeBackend{err: errors.New("dial tcp: i/o timeout")}
	b := testBinder(t, store, projects, resolver, client, nil)

	if _, err := b.Classify(context.Background(), "key-1", "meow"); err == nil {
		t.Fatal("a non-not-found backend error must propagate")
	}
}
