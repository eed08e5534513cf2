package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

func TestGenerationHandler_StartAndStatus(t *testing.T) {
	f := newAPIFixture(t)
	p := f.createProject(t, "Wind")

	rec := f.do(t, http.MethodGet, "/api/projects/"+p.ID.String()+"/generation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PhaseNotStarted, decodeBody[RunResponse](t, rec).State.Phase)

	rec = f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation", StartGenerationRequest{Text: deckText})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decodeBody[RunResponse](t, rec)
	require.NotNil(t, started.RunID)

	run, ok := f.orch.Run(p.ID)
	require.True(t, ok)
	assert.Equal(t, *started.RunID, run.ID)
	waitForRun(t, run)

	rec = f.do(t, http.MethodGet, "/api/projects/"+p.ID.String()+"/generation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[RunResponse](t, rec)
	assert.Equal(t, models.PhaseReady, status.State.Phase)
	assert.Empty(t, status.Error)
}

func TestGenerationHandler_StartErrors(t *testing.T) {
	f := newAPIFixture(t)
	p := f.createProject(t, "Wind")

	rec := f.do(t, http.MethodPost, "/api/projects/"+uuid.NewString()+"/generation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.factory.err = llm.NewError(apperrors.KindAuth, "no api key configured", nil)
	rec = f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", decodeBody[map[string]string](t, rec)["error"])
}

func TestGenerationHandler_RejectsSecondRun(t *testing.T) {
	f := newAPIFixture(t)
	p := f.createProject(t, "Wind")

	release := make(chan struct{})
	f.mock.AnalyzeFunc = func(ctx context.Context, text string, audience models.Audience) (*llm.AnalysisResult, error) {
		<-release
		return &llm.AnalysisResult{KeyPoints: llm.DefaultKeyPoints(2), SuggestedSlideCount: 2}, nil
	}

	rec := f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation", StartGenerationRequest{Text: deckText})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation", StartGenerationRequest{Text: deckText})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "run_in_progress", decodeBody[map[string]string](t, rec)["error"])

	title := "x"
	rec = f.do(t, http.MethodPatch, "/api/projects/"+p.ID.String(), UpdateProjectRequest{Name: &title})
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	run, _ := f.orch.Run(p.ID)
	waitForRun(t, run)
}

func TestGenerationHandler_CancelAndResume(t *testing.T) {
	f := newAPIFixture(t)
	p := f.createProject(t, "Wind")

	rec := f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeBody[map[string]string](t, rec)["error"])

	entered := make(chan struct{})
	f.mock.AnalyzeFunc = func(ctx context.Context, text string, audience models.Audience) (*llm.AnalysisResult, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	rec = f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation", StartGenerationRequest{Text: deckText})
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-entered

	rec = f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	run, _ := f.orch.Run(p.ID)
	waitForRun(t, run)
	state := run.State()
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Equal(t, apperrors.KindCancelled, state.ErrorKind)

	f.mock.AnalyzeFunc = nil
	rec = f.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/generation/resume", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run, _ = f.orch.Run(p.ID)
	waitForRun(t, run)
	assert.Equal(t, models.PhaseReady, run.State().Phase)
}

func TestGenerationHandler_Events(t *testing.T) {
	f := newAPIFixture(t)
	p := f.createProject(t, "Wind")
	server := httptest.NewServer(f.mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/projects/" + p.ID.String() + "/generation/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.generate(t, p.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		server.URL+"/api/projects/"+p.ID.String()+"/generation/events", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// A finished run replays its terminal event and closes the stream.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "event: ready\ndata: {"), string(body))
	assert.Contains(t, string(body), `"phase":"ready"`)
}
