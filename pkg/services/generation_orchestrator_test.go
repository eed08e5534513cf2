package services

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/ingest"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/storage"
)

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

type orchestratorFixture struct {
	*storeFixture
	mock    *llm.MockGenerationClient
	factory *stubClientFactory
	orch    *GenerationOrchestrator
}

func newOrchestratorFixture(t *testing.T, maxConcurrent int) *orchestratorFixture {
	t.Helper()
	sf := newStoreFixture(t)
	mock := llm.NewMockGenerationClient()
	factory := &stubClientFactory{client: mock}
	return &orchestratorFixture{
		storeFixture: sf,
		mock:         mock,
		factory:      factory,
		orch:         newTestOrchestrator(t, sf, factory, maxConcurrent),
	}
}

func newTestOrchestrator(t *testing.T, sf *storeFixture, factory llm.GenerationClientFactory, maxConcurrent int) *GenerationOrchestrator {
	t.Helper()
	return newTestOrchestratorWithRefresh(t, sf, factory, maxConcurrent, 0)
}

func newTestOrchestratorWithRefresh(t *testing.T, sf *storeFixture, factory llm.GenerationClientFactory, maxConcurrent int, refresh time.Duration) *GenerationOrchestrator {
	t.Helper()
	logger := zap.NewNop()
	pool := newPool(maxConcurrent)
	orch, err := NewGenerationOrchestrator(GenerationDeps{
		Store:               sf.store,
		Clients:             factory,
		Ingestor:            ingest.NewDocumentIngestor(sf.blobs, logger),
		Locker:              sf.locker,
		Analysis:            NewContentAnalysisStage(logger),
		Slides:              NewSlideContentStage(pool, logger),
		Images:              NewImageStage(pool, logger),
		Logger:              logger,
		ProgressBuffer:      256,
		LockRefreshInterval: refresh,
	})
	require.NoError(t, err)
	return orch
}

func (f *orchestratorFixture) newProject(t *testing.T) *models.Project {
	t.Helper()
	p, err := f.store.Create(context.Background(), "Deck", models.AudienceAdults)
	require.NoError(t, err)
	return p
}

func waitDone(t *testing.T, run *GenerationRun) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish, state %s", run.State())
	}
}

func collectEvents(t *testing.T, run *GenerationRun) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Progress():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("progress stream not closed, state %s", run.State())
		}
	}
}

func keyPointsAnalysis(n int) func(ctx context.Context, text string, audience models.Audience) (*llm.AnalysisResult, error) {
	return func(ctx context.Context, text string, audience models.Audience) (*llm.AnalysisResult, error) {
		return &llm.AnalysisResult{KeyPoints: llm.DefaultKeyPoints(n), SuggestedSlideCount: n}, nil
	}
}

var documentText = strings.Repeat("Solar panels convert sunlight into electricity. ", 11)

func TestNewGenerationOrchestrator_MissingDependencies(t *testing.T) {
	_, err := NewGenerationOrchestrator(GenerationDeps{})
	require.ErrorIs(t, err, apperrors.ErrMissingDependency)
	assert.Contains(t, err.Error(), "store")
	assert.Contains(t, err.Error(), "run locker")

	sf := newStoreFixture(t)
	_, err = NewGenerationOrchestrator(GenerationDeps{
		Store:    sf.store,
		Clients:  &stubClientFactory{},
		Ingestor: ingest.NewDocumentIngestor(sf.blobs, zap.NewNop()),
		Locker:   sf.locker,
		Logger:   zap.NewNop(),
	})
	require.ErrorIs(t, err, apperrors.ErrMissingDependency)
	assert.Contains(t, err.Error(), "slide stage")
}

func TestGenerationOrchestrator_EndToEnd(t *testing.T) {
	f := newOrchestratorFixture(t, 4)
	ctx := context.Background()
	p := f.newProject(t)
	require.GreaterOrEqual(t, len(documentText), 500)

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	events := collectEvents(t, run)
	waitDone(t, run)

	require.NoError(t, run.Err())
	assert.Equal(t, models.Ready(), run.State())
	assert.Equal(t, models.Ready(), f.orch.State(p.ID))
	assert.False(t, f.orch.Active(p.ID))

	assert.Equal(t, 1, f.mock.Calls("Analyze"))
	assert.Equal(t, 3, f.mock.Calls("GenerateSlideContent"))
	assert.Equal(t, 3, f.mock.Calls("GenerateImage"))

	saved, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, saved.KeyPoints, 3)
	require.Len(t, saved.Slides, 3)
	for i, slide := range saved.Slides {
		assert.Equal(t, i+1, slide.Number)
		require.NotNil(t, slide.Image, "slide %d", slide.Number)
		data, err := f.store.ReadImage(ctx, *slide.Image)
		require.NoError(t, err)
		assert.Equal(t, "mock-image:"+slide.ImagePrompt, string(data))
	}
	assert.Len(t, run.Project().Slides, 3)

	require.NotEmpty(t, events)
	assert.Equal(t, models.NotStarted(), events[0].State)
	assert.Equal(t, models.Ready(), events[len(events)-1].State)
	assertMonotonicProgress(t, events)

	locked, err := f.locker.Locked(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, locked)
}

func assertMonotonicProgress(t *testing.T, events []ProgressEvent) {
	t.Helper()
	order := map[models.WorkflowPhase]int{
		models.PhaseNotStarted:       0,
		models.PhaseImportingContent: 1,
		models.PhaseAnalyzingContent: 2,
		models.PhaseGeneratingSlides: 3,
		models.PhaseGeneratingImages: 4,
		models.PhaseReady:            5,
		models.PhaseFailed:           6,
	}
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1].State, events[i].State
		require.GreaterOrEqual(t, order[cur.Phase], order[prev.Phase], "phase went backwards: %s -> %s", prev, cur)
		if cur.Phase == prev.Phase {
			assert.GreaterOrEqual(t, cur.Completed, prev.Completed, "progress went backwards: %s -> %s", prev, cur)
		}
	}
}

func TestGenerationOrchestrator_RecordsBoundedSuggestedSlides(t *testing.T) {
	f := newOrchestratorFixture(t, 2)
	ctx := context.Background()
	p := f.newProject(t)
	f.mock.AnalyzeFunc = func(ctx context.Context, text string, audience models.Audience) (*llm.AnalysisResult, error) {
		return &llm.AnalysisResult{KeyPoints: llm.DefaultKeyPoints(2), SuggestedSlideCount: 1}, nil
	}

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	waitDone(t, run)

	require.Equal(t, models.Ready(), run.State())
	assert.Equal(t, MinSlides, run.Partial().SuggestedSlides)

	saved, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, saved.Slides, 2, "one slide per key point regardless of the suggestion")
}

func TestGenerationOrchestrator_ImportsSourceFiles(t *testing.T) {
	f := newOrchestratorFixture(t, 2)
	ctx := context.Background()
	p := f.newProject(t)

	_, err := f.store.AddSourceFile(ctx, p.ID, "notes.md", "text/markdown", []byte(documentText))
	require.NoError(t, err)

	var analyzed string
	f.mock.AnalyzeFunc = func(ctx context.Context, text string, audience models.Audience) (*llm.AnalysisResult, error) {
		analyzed = text
		return &llm.AnalysisResult{KeyPoints: llm.DefaultKeyPoints(3)}, nil
	}

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, run)

	require.NoError(t, run.Err())
	assert.Equal(t, strings.TrimSpace(documentText), analyzed)
}

func TestGenerationOrchestrator_NoContent(t *testing.T) {
	f := newOrchestratorFixture(t, 2)
	ctx := context.Background()
	p := f.newProject(t)

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, run)
	assert.Equal(t, models.Failed(models.PhaseImportingContent, apperrors.KindInsufficientContent), run.State())

	run, err = f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: "too short"})
	require.NoError(t, err)
	waitDone(t, run)
	assert.Equal(t, models.Failed(models.PhaseAnalyzingContent, apperrors.KindInsufficientContent), run.State())
	assert.Zero(t, f.mock.Calls("Analyze"))
}

func TestGenerationOrchestrator_AuthFailureAtStart(t *testing.T) {
	f := newOrchestratorFixture(t, 2)
	ctx := context.Background()
	p := f.newProject(t)
	f.factory.err = llm.NewError(apperrors.KindAuth, "no api key configured", nil)

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.Error(t, err)
	assert.Nil(t, run)
	assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
	assert.False(t, f.orch.Active(p.ID))
	assert.Equal(t, models.NotStarted(), f.orch.State(p.ID))

	locked, err := f.locker.Locked(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	// The failed launch does not leave the project reserved.
	f.factory.err = nil
	run, err = f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	waitDone(t, run)
	assert.Equal(t, models.Ready(), run.State())
}

type blockingClientFactory struct {
	entered chan struct{}
	release chan struct{}
	client  llm.GenerationClient
}

func (f *blockingClientFactory) CreateForProject(ctx context.Context, project *models.Project) (llm.GenerationClient, error) {
	f.entered <- struct{}{}
	<-f.release
	return f.client, nil
}

func (f *blockingClientFactory) CreateDefault(ctx context.Context) (llm.GenerationClient, error) {
	return f.client, nil
}

func TestGenerationOrchestrator_SlowClientLookupDoesNotBlockStatus(t *testing.T) {
	sf := newStoreFixture(t)
	ctx := context.Background()
	factory := &blockingClientFactory{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		client:  llm.NewMockGenerationClient(),
	}
	orch := newTestOrchestrator(t, sf, factory, 2)

	p, err := sf.store.Create(ctx, "Deck", models.AudienceAdults)
	require.NoError(t, err)
	other, err := sf.store.Create(ctx, "Other", models.AudienceAdults)
	require.NoError(t, err)

	type startResult struct {
		run *GenerationRun
		err error
	}
	started := make(chan startResult, 1)
	go func() {
		run, err := orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
		started <- startResult{run, err}
	}()

	select {
	case <-factory.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("client lookup never started")
	}

	states := make(chan models.WorkflowState, 2)
	go func() {
		states <- orch.State(other.ID)
		states <- orch.State(p.ID)
	}()
	for i := 0; i < 2; i++ {
		select {
		case st := <-states:
			assert.Equal(t, models.NotStarted(), st)
		case <-time.After(time.Second):
			t.Fatal("State blocked behind a client lookup")
		}
	}

	_, err = orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress, "a second launch is rejected while the first is starting")

	close(factory.release)
	res := <-started
	require.NoError(t, res.err)
	waitDone(t, res.run)
	assert.Equal(t, models.Ready(), res.run.State())
}

// countingLocker records lock refreshes.
type countingLocker struct {
	RunLocker
	refreshes atomic.Int32
}

func (l *countingLocker) Refresh(ctx context.Context, projectID, runID uuid.UUID) error {
	l.refreshes.Add(1)
	return l.RunLocker.Refresh(ctx, projectID, runID)
}

func TestGenerationOrchestrator_RefreshesLockDuringLongStage(t *testing.T) {
	locker := &countingLocker{RunLocker: NewMemoryRunLocker()}
	sf := newStoreFixtureWithLocker(t, locker)
	mock := llm.NewMockGenerationClient()
	orch := newTestOrchestratorWithRefresh(t, sf, &stubClientFactory{client: mock}, 1, 5*time.Millisecond)
	ctx := context.Background()

	p, err := sf.store.Create(ctx, "Deck", models.AudienceAdults)
	require.NoError(t, err)

	mock.AnalyzeFunc = keyPointsAnalysis(1)
	mock.GenerateSlideContentFunc = func(ctx context.Context, kp models.KeyPoint, audience models.Audience, slideNumber, totalSlides int) (*llm.SlideContent, error) {
		// No stage is entered while this call runs, so only the ticker refreshes.
		start := locker.refreshes.Load()
		assert.Eventually(t, func() bool { return locker.refreshes.Load() >= start+3 },
			5*time.Second, time.Millisecond, "lock refreshed while a single call runs")
		return &llm.SlideContent{Title: kp.Content, Body: "body", ImagePrompt: "prompt"}, nil
	}

	run, err := orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	waitDone(t, run)
	require.Equal(t, models.Ready(), run.State())

	after := locker.refreshes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, locker.refreshes.Load(), "refreshing stops with the run")

	locked, err := locker.Locked(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestGenerationOrchestrator_UnknownProject(t *testing.T) {
	f := newOrchestratorFixture(t, 2)

	_, err := f.orch.Start(context.Background(), GenerationRequest{ProjectID: uuid.New(), Text: documentText})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, f.orch.Cancel(uuid.New()), apperrors.ErrNotFound)
}

func TestGenerationOrchestrator_RejectsConcurrentRuns(t *testing.T) {
	f := newOrchestratorFixture(t, 2)
	ctx := context.Background()
	p := f.newProject(t)

	release := make(chan struct{})
	f.mock.GenerateSlideContentFunc = func(ctx context.Context, kp models.KeyPoint, audience models.Audience, slideNumber, totalSlides int) (*llm.SlideContent, error) {
		<-release
		return &llm.SlideContent{Title: kp.Content, Body: "body", ImagePrompt: "prompt"}, nil
	}

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	assert.True(t, f.orch.Active(p.ID))

	_, err = f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	// A second orchestrator sharing the lock behaves like another server process.
	other := newTestOrchestrator(t, f.storeFixture, f.factory, 2)
	_, err = other.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	_, err = f.store.Duplicate(ctx, p.ID, "copy")
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	close(release)
	waitDone(t, run)
	require.NoError(t, run.Err())

	again, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	waitDone(t, again)
	assert.Equal(t, models.Ready(), again.State())
}

func TestGenerationOrchestrator_CancelDuringImages(t *testing.T) {
	f := newOrchestratorFixture(t, 1)
	ctx := context.Background()
	p := f.newProject(t)
	f.mock.AnalyzeFunc = keyPointsAnalysis(5)

	var imageCalls atomic.Int32
	f.mock.GenerateImageFunc = func(ctx context.Context, prompt string, audience models.Audience) (*llm.GeneratedImage, error) {
		if imageCalls.Add(1) == 2 {
			assert.NoError(t, f.orch.Cancel(p.ID))
		}
		// In-flight calls run to completion after cancellation.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &llm.GeneratedImage{Data: []byte(prompt), Format: "png"}, nil
	}

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	waitDone(t, run)

	assert.Equal(t, models.Failed(models.PhaseGeneratingImages, apperrors.KindCancelled), run.State())
	assert.Equal(t, int32(2), imageCalls.Load())

	partial := run.Partial()
	assert.Len(t, partial.KeyPoints, 5)
	assert.Len(t, partial.Slides, 5)
	require.Len(t, partial.Images, 2)
	assert.Equal(t, 1, partial.Images[0].SlideNumber)
	assert.Equal(t, 2, partial.Images[1].SlideNumber)

	keys, err := f.blobs.List(ctx, storage.ImagesPrefix())
	require.NoError(t, err)
	assert.Empty(t, keys, "nothing is persisted before the run is ready")

	// Resume only renders the three missing images.
	resumed, err := f.orch.Resume(ctx, p.ID)
	require.NoError(t, err)
	waitDone(t, resumed)

	require.NoError(t, resumed.Err())
	assert.Equal(t, models.Ready(), resumed.State())
	assert.Equal(t, int32(5), imageCalls.Load())
	assert.Equal(t, 5, f.mock.Calls("GenerateSlideContent"))

	saved, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, saved.Slides, 5)
	for _, slide := range saved.Slides {
		assert.NotNil(t, slide.Image, "slide %d", slide.Number)
	}
}

func TestGenerationOrchestrator_ResumeSlidesIssuesOnlyMissingCalls(t *testing.T) {
	f := newOrchestratorFixture(t, 1)
	ctx := context.Background()
	p := f.newProject(t)
	f.mock.AnalyzeFunc = keyPointsAnalysis(5)

	var mu sync.Mutex
	failFour := true
	f.mock.GenerateSlideContentFunc = func(ctx context.Context, kp models.KeyPoint, audience models.Audience, slideNumber, totalSlides int) (*llm.SlideContent, error) {
		mu.Lock()
		defer mu.Unlock()
		if slideNumber == 4 && failFour {
			failFour = false
			return nil, llm.NewError(apperrors.KindContentFiltered, "blocked", nil)
		}
		return &llm.SlideContent{Title: kp.Content, Body: "body", ImagePrompt: "prompt"}, nil
	}

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	waitDone(t, run)

	assert.Equal(t, models.Failed(models.PhaseGeneratingSlides, apperrors.KindContentFiltered), run.State())
	assert.Equal(t, []int{1, 2, 3, 4}, f.mock.SlideCalls)
	assert.Len(t, run.Partial().Slides, 3)
	assert.Zero(t, f.mock.Calls("GenerateImage"))

	resumed, err := f.orch.Resume(ctx, p.ID)
	require.NoError(t, err)
	events := collectEvents(t, resumed)
	waitDone(t, resumed)

	require.NoError(t, resumed.Err())
	assert.Equal(t, []int{1, 2, 3, 4, 4, 5}, f.mock.SlideCalls)
	assert.Equal(t, 1, f.mock.Calls("Analyze"))
	assert.Equal(t, 5, f.mock.Calls("GenerateImage"))

	require.NotEmpty(t, events)
	assert.Equal(t, models.PhaseFailed, events[0].State.Phase)
	assert.Equal(t, models.GeneratingSlides(0, 5), events[1].State)
	assertMonotonicProgress(t, events[1:])
}

func TestGenerationOrchestrator_ResumeRequiresFailedRun(t *testing.T) {
	f := newOrchestratorFixture(t, 2)
	ctx := context.Background()
	p := f.newProject(t)

	_, err := f.orch.Resume(ctx, p.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	waitDone(t, run)

	_, err = f.orch.Resume(ctx, p.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestGenerationRun_LateSubscriberGetsTerminalState(t *testing.T) {
	f := newOrchestratorFixture(t, 2)
	ctx := context.Background()
	p := f.newProject(t)

	run, err := f.orch.Start(ctx, GenerationRequest{ProjectID: p.ID, Text: documentText})
	require.NoError(t, err)
	waitDone(t, run)

	var events []ProgressEvent
	for ev := range run.Subscribe() {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, models.Ready(), events[0].State)
}

func TestGenerationRun_SlowSubscriberStillSeesTerminalEvent(t *testing.T) {
	run := newGenerationRun(uuid.New(), &models.Project{}, models.NotStarted(), PartialResults{}, 2)

	require.NoError(t, run.transition(models.ImportingContent()))
	require.NoError(t, run.transition(models.AnalyzingContent()))
	require.NoError(t, run.transition(models.GeneratingSlides(0, 2)))
	run.complete(models.Failed(models.PhaseGeneratingSlides, apperrors.KindFatal), nil, assert.AnError)

	var last ProgressEvent
	count := 0
	for ev := range run.Progress() {
		last = ev
		count++
	}
	assert.LessOrEqual(t, count, 2)
	assert.Equal(t, models.Failed(models.PhaseGeneratingSlides, apperrors.KindFatal), last.State)
	assert.Equal(t, assert.AnError.Error(), last.Error)

	assert.Error(t, run.transition(models.ImportingContent()))
}
