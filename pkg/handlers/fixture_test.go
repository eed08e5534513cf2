package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/export"
	"github.com/ekaya-inc/ekaya-decks/pkg/ingest"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/repositories"
	"github.com/ekaya-inc/ekaya-decks/pkg/services"
	"github.com/ekaya-inc/ekaya-decks/pkg/storage"
)

var deckText = strings.Repeat("Wind turbines turn moving air into electricity. ", 8)

type stubClientFactory struct {
	client llm.GenerationClient
	err    error
}

func (f *stubClientFactory) CreateForProject(ctx context.Context, project *models.Project) (llm.GenerationClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func (f *stubClientFactory) CreateDefault(ctx context.Context) (llm.GenerationClient, error) {
	return f.CreateForProject(ctx, nil)
}

type memoryKeyStore struct {
	mu  sync.Mutex
	key string
}

func (s *memoryKeyStore) CurrentKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, nil
}

func (s *memoryKeyStore) SetKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	return nil
}

// apiFixture wires the real services over in-memory persistence and a mock
// generation client.
type apiFixture struct {
	mux     *http.ServeMux
	store   services.ProjectStore
	locker  services.RunLocker
	orch    *services.GenerationOrchestrator
	mock    *llm.MockGenerationClient
	factory *stubClientFactory
	keys    *memoryKeyStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()

	blobs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	locker := services.NewMemoryRunLocker()
	store := services.NewProjectStore(repositories.NewMemoryProjectRepository(), blobs, locker, logger)

	mock := llm.NewMockGenerationClient()
	factory := &stubClientFactory{client: mock}
	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: 2}, logger)
	orch, err := services.NewGenerationOrchestrator(services.GenerationDeps{
		Store:    store,
		Clients:  factory,
		Ingestor: ingest.NewDocumentIngestor(blobs, logger),
		Locker:   locker,
		Analysis: services.NewContentAnalysisStage(logger),
		Slides:   services.NewSlideContentStage(pool, logger),
		Images:   services.NewImageStage(pool, logger),
		Logger:   logger,
	})
	require.NoError(t, err)

	keys := &memoryKeyStore{}
	mux := http.NewServeMux()
	NewProjectsHandler(store, orch, export.NewHTMLExporter(store, logger), logger).RegisterRoutes(mux)
	NewGenerationHandler(orch, logger).RegisterRoutes(mux)
	NewCredentialsHandler(keys, factory, logger).RegisterRoutes(mux)

	return &apiFixture{mux: mux, store: store, locker: locker, orch: orch, mock: mock, factory: factory, keys: keys}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createProject(t *testing.T, name string) *models.Project {
	t.Helper()
	p, err := f.store.Create(context.Background(), name, models.AudienceBusiness)
	require.NoError(t, err)
	return p
}

// generate runs the pipeline to completion and returns the stored project.
func (f *apiFixture) generate(t *testing.T, projectID uuid.UUID) *models.Project {
	t.Helper()
	run, err := f.orch.Start(context.Background(), services.GenerationRequest{ProjectID: projectID, Text: deckText})
	require.NoError(t, err)
	waitForRun(t, run)
	require.Equal(t, models.PhaseReady, run.State().Phase, "run error: %v", run.Err())

	p, err := f.store.Load(context.Background(), projectID)
	require.NoError(t, err)
	return p
}

func waitForRun(t *testing.T, run *services.GenerationRun) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish, state %s", run.State())
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}
