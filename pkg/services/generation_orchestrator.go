package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/ingest"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/logging"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// DefaultProgressBuffer is the per-subscriber event buffer when none is configured.
const DefaultProgressBuffer = 64

// DefaultLockRefreshInterval keeps a DefaultRunLockTTL lock alive with two
// refreshes to spare.
const DefaultLockRefreshInterval = DefaultRunLockTTL / 3

// GenerationDeps are the collaborators of the orchestrator. All are required.
type GenerationDeps struct {
	Store    ProjectStore
	Clients  llm.GenerationClientFactory
	Ingestor ingest.DocumentIngestor
	Locker   RunLocker
	Analysis *ContentAnalysisStage
	Slides   *SlideContentStage
	Images   *ImageStage
	Logger   *zap.Logger

	// ProgressBuffer sizes each progress channel; 0 uses DefaultProgressBuffer.
	ProgressBuffer int
	// LockRefreshInterval is how often a running pipeline extends its run
	// lock. It must be well below the lock TTL; 0 uses DefaultLockRefreshInterval.
	LockRefreshInterval time.Duration
}

// GenerationRequest starts a run. When Text is empty the project's source
// files are ingested instead.
type GenerationRequest struct {
	ProjectID uuid.UUID
	Text      string
}

// GenerationOrchestrator drives projects through the generation state machine:
//
//	not_started → importing_content → analyzing_content → generating_slides(i,n)
//	    → generating_images(i,n) → ready
//
// Any stage may end in failed(stage, kind); a failed run can be resumed at that stage.
type GenerationOrchestrator struct {
	store    ProjectStore
	clients  llm.GenerationClientFactory
	ingestor ingest.DocumentIngestor
	locker   RunLocker
	analysis *ContentAnalysisStage
	slides   *SlideContentStage
	images   *ImageStage
	buffer   int
	refresh  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	runs     map[uuid.UUID]*GenerationRun // latest run per project
	starting map[uuid.UUID]bool           // projects between reservation and launch
}

// NewGenerationOrchestrator validates deps and creates the orchestrator.
func NewGenerationOrchestrator(deps GenerationDeps) (*GenerationOrchestrator, error) {
	missing := []string{}
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Clients == nil {
		missing = append(missing, "client factory")
	}
	if deps.Ingestor == nil {
		missing = append(missing, "document ingestor")
	}
	if deps.Locker == nil {
		missing = append(missing, "run locker")
	}
	if deps.Analysis == nil {
		missing = append(missing, "analysis stage")
	}
	if deps.Slides == nil {
		missing = append(missing, "slide stage")
	}
	if deps.Images == nil {
		missing = append(missing, "image stage")
	}
	if deps.Logger == nil {
		missing = append(missing, "logger")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrMissingDependency, strings.Join(missing, ", "))
	}

	buffer := deps.ProgressBuffer
	if buffer <= 0 {
		buffer = DefaultProgressBuffer
	}
	refresh := deps.LockRefreshInterval
	if refresh <= 0 {
		refresh = DefaultLockRefreshInterval
	}

	return &GenerationOrchestrator{
		store:    deps.Store,
		clients:  deps.Clients,
		ingestor: deps.Ingestor,
		locker:   deps.Locker,
		analysis: deps.Analysis,
		slides:   deps.Slides,
		images:   deps.Images,
		buffer:   buffer,
		refresh:  refresh,
		logger:   deps.Logger.Named("generation"),
		runs:     make(map[uuid.UUID]*GenerationRun),
		starting: make(map[uuid.UUID]bool),
	}, nil
}

// Start begins a new run for the project. It fails with ErrRunInProgress when
// the project already has an active run here or in another process, and
// returns authentication failures of the client factory directly.
func (o *GenerationOrchestrator) Start(ctx context.Context, req GenerationRequest) (*GenerationRun, error) {
	project, err := o.store.Load(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	return o.launch(ctx, project, models.NotStarted(), models.ImportingContent(), PartialResults{Text: req.Text})
}

// Resume restarts the project's failed run at the stage that failed, reusing
// the key points, slides and images it had already produced.
func (o *GenerationOrchestrator) Resume(ctx context.Context, projectID uuid.UUID) (*GenerationRun, error) {
	o.mu.Lock()
	previous := o.runs[projectID]
	o.mu.Unlock()

	if previous == nil {
		return nil, fmt.Errorf("%w: project %s has no run to resume", apperrors.ErrInvalidState, projectID)
	}
	state := previous.State()
	if state.Phase != models.PhaseFailed {
		return nil, fmt.Errorf("%w: cannot resume a run in state %s", apperrors.ErrInvalidState, state)
	}

	project, err := o.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}

	partial := previous.Partial()
	total := 0
	switch state.FailedStage {
	case models.PhaseGeneratingSlides:
		total = len(partial.KeyPoints)
	case models.PhaseGeneratingImages:
		total = len(partial.Slides)
	}

	return o.launch(ctx, project, state, models.ResumeState(state.FailedStage, total), partial)
}

// launch registers a run that begins in initial and immediately moves to first.
// The project is reserved under o.mu; the credential lookup and lock
// acquisition happen outside it.
func (o *GenerationOrchestrator) launch(ctx context.Context, project *models.Project, initial, first models.WorkflowState, partial PartialResults) (*GenerationRun, error) {
	if err := o.reserve(project.ID); err != nil {
		return nil, err
	}
	defer o.unreserve(project.ID)

	client, err := o.clients.CreateForProject(ctx, project)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuth {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}

	run := newGenerationRun(project.ID, project, initial, partial, o.buffer)

	acquired, err := o.locker.Acquire(ctx, project.ID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		return nil, apperrors.ErrRunInProgress
	}

	if err := run.transition(first); err != nil {
		o.releaseLock(project.ID, run.ID)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = llm.WithRunContext(runCtx, llm.RunContext{RunID: run.ID, ProjectID: project.ID})
	run.cancel = cancel

	o.mu.Lock()
	o.runs[project.ID] = run
	o.mu.Unlock()

	o.logger.Info("Generation run started",
		zap.String("project_id", project.ID.String()),
		zap.String("run_id", run.ID.String()),
		zap.String("state", first.String()))

	go o.execute(runCtx, run, client, first.Phase)
	return run, nil
}

// reserve claims the project for a launch in progress, rejecting a second
// launch while the first is still looking up credentials.
func (o *GenerationOrchestrator) reserve(projectID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.starting[projectID] {
		return apperrors.ErrRunInProgress
	}
	if previous := o.runs[projectID]; previous != nil && !previous.State().IsTerminal() {
		return apperrors.ErrRunInProgress
	}
	o.starting[projectID] = true
	return nil
}

func (o *GenerationOrchestrator) unreserve(projectID uuid.UUID) {
	o.mu.Lock()
	delete(o.starting, projectID)
	o.mu.Unlock()
}

// Cancel stops the project's active run. No new generation calls are started;
// calls already in flight finish and their results are kept.
func (o *GenerationOrchestrator) Cancel(projectID uuid.UUID) error {
	o.mu.Lock()
	run := o.runs[projectID]
	o.mu.Unlock()

	if run == nil || run.State().IsTerminal() {
		return fmt.Errorf("no active run for project %s: %w", projectID, apperrors.ErrNotFound)
	}
	run.cancel()
	o.logger.Info("Generation run cancelled",
		zap.String("project_id", projectID.String()),
		zap.String("run_id", run.ID.String()))
	return nil
}

// State returns the state of the project's latest run, or NotStarted.
func (o *GenerationOrchestrator) State(projectID uuid.UUID) models.WorkflowState {
	if run, ok := o.Run(projectID); ok {
		return run.State()
	}
	return models.NotStarted()
}

// Active reports whether the project has a run in progress in this process.
func (o *GenerationOrchestrator) Active(projectID uuid.UUID) bool {
	run, ok := o.Run(projectID)
	return ok && !run.State().IsTerminal()
}

// Run returns the project's latest run.
func (o *GenerationOrchestrator) Run(projectID uuid.UUID) (*GenerationRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[projectID]
	return run, ok
}

// ============================================================================
// Pipeline
// ============================================================================

// execute runs the pipeline from the given stage to a terminal state.
func (o *GenerationOrchestrator) execute(ctx context.Context, run *GenerationRun, client llm.GenerationClient, from models.WorkflowPhase) {
	defer run.cancel()

	project := run.Project()
	log := o.logger.With(
		zap.String("project_id", run.ProjectID.String()),
		zap.String("run_id", run.ID.String()))

	stopRefresh := o.keepLock(run)
	saved, err := o.pipeline(ctx, run, client, project, from)
	stopRefresh()

	o.releaseLock(run.ProjectID, run.ID)

	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = newStageError(run.State().Phase, err)
		}
		log.Error("Generation run failed",
			zap.String("stage", string(stageErr.Stage)),
			zap.String("kind", stageErr.Kind.String()),
			zap.String("error", logging.SanitizeError(stageErr)))
		run.complete(models.Failed(stageErr.Stage, stageErr.Kind), nil, stageErr)
		return
	}

	log.Info("Generation run ready",
		zap.Int("slides", len(saved.Slides)),
		zap.Duration("elapsed", run.elapsed()))
	run.complete(models.Ready(), saved, nil)
}

func (o *GenerationOrchestrator) pipeline(ctx context.Context, run *GenerationRun, client llm.GenerationClient, project *models.Project, from models.WorkflowPhase) (*models.Project, error) {
	audience := project.Audience

	if from == models.PhaseImportingContent {
		text, err := o.importContent(ctx, run, project)
		if err != nil {
			return nil, newStageError(models.PhaseImportingContent, err)
		}
		run.updatePartial(func(p *PartialResults) { p.Text = text })
		if err := o.enter(ctx, run, models.AnalyzingContent()); err != nil {
			return nil, err
		}
		from = models.PhaseAnalyzingContent
	}

	if from == models.PhaseAnalyzingContent {
		text := run.Partial().Text
		out, err := o.analysis.Analyze(stageContext(ctx, models.PhaseAnalyzingContent), client, text, audience)
		if err != nil {
			return nil, err
		}
		run.updatePartial(func(p *PartialResults) {
			p.KeyPoints = out.KeyPoints
			p.SuggestedSlides = out.SuggestedSlideCount
			p.Slides = nil
			p.Images = nil
		})
		if err := o.enter(ctx, run, models.GeneratingSlides(0, len(out.KeyPoints))); err != nil {
			return nil, err
		}
		from = models.PhaseGeneratingSlides
	}

	if from == models.PhaseGeneratingSlides {
		partial := run.Partial()
		slides, err := o.slides.Generate(stageContext(ctx, models.PhaseGeneratingSlides), client, SlideContentInput{
			KeyPoints: partial.KeyPoints,
			Audience:  audience,
			Completed: partial.Slides,
		}, o.progress(run, models.GeneratingSlides))
		run.updatePartial(func(p *PartialResults) { p.Slides = slides })
		if err != nil {
			return nil, err
		}
		if err := o.enter(ctx, run, models.GeneratingImages(0, len(slides))); err != nil {
			return nil, err
		}
	}

	partial := run.Partial()
	images, err := o.images.Generate(stageContext(ctx, models.PhaseGeneratingImages), client, ImageInput{
		Slides:    partial.Slides,
		Audience:  audience,
		Completed: partial.Images,
	}, o.progress(run, models.GeneratingImages))
	run.updatePartial(func(p *PartialResults) { p.Images = images })
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: models.PhaseGeneratingImages, Kind: apperrors.KindCancelled, Err: err}
	}

	project.KeyPoints = partial.KeyPoints
	project.Slides = partial.Slides
	// The save must not be interrupted half way by a late cancellation.
	if err := o.store.SaveGenerated(context.WithoutCancel(ctx), project, images); err != nil {
		return nil, newStageError(models.PhaseGeneratingImages, err)
	}
	return project, nil
}

func (o *GenerationOrchestrator) importContent(ctx context.Context, run *GenerationRun, project *models.Project) (string, error) {
	if text := strings.TrimSpace(run.Partial().Text); text != "" {
		return text, nil
	}
	if len(project.SourceFiles) == 0 {
		return "", apperrors.WithKind(apperrors.KindInsufficientContent, "no text supplied and the project has no source files", nil)
	}
	text, err := ingest.ExtractAll(ctx, o.ingestor, project.SourceFiles)
	if err != nil {
		return "", fmt.Errorf("failed to import source files: %w", err)
	}
	return text, nil
}

// enter moves to the next stage unless the run was cancelled, in which case
// the stage being entered is reported as cancelled.
func (o *GenerationOrchestrator) enter(ctx context.Context, run *GenerationRun, next models.WorkflowState) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: next.Phase, Kind: apperrors.KindCancelled, Err: err}
	}
	if err := run.transition(next); err != nil {
		return &StageError{Stage: next.Phase, Kind: apperrors.KindFatal, Err: err}
	}
	o.refreshLock(context.WithoutCancel(ctx), run)
	return nil
}

// keepLock refreshes the run lock on a ticker until stop is called, so a
// stage longer than the lock TTL keeps the project locked. stop returns once
// the refresher has exited.
func (o *GenerationOrchestrator) keepLock(run *GenerationRun) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(o.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				o.refreshLock(context.Background(), run)
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

func (o *GenerationOrchestrator) refreshLock(ctx context.Context, run *GenerationRun) {
	if err := o.locker.Refresh(ctx, run.ProjectID, run.ID); err != nil {
		o.logger.Warn("Failed to refresh run lock",
			zap.String("project_id", run.ProjectID.String()),
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	}
}

// progress adapts stage progress callbacks to state transitions.
func (o *GenerationOrchestrator) progress(run *GenerationRun, state func(completed, total int) models.WorkflowState) ProgressFunc {
	return func(completed, total int) {
		if err := run.transition(state(completed, total)); err != nil {
			o.logger.Error("Rejected progress update",
				zap.String("run_id", run.ID.String()),
				zap.Error(err))
		}
	}
}

func (o *GenerationOrchestrator) releaseLock(projectID, runID uuid.UUID) {
	if err := o.locker.Release(context.Background(), projectID, runID); err != nil {
		o.logger.Warn("Failed to release run lock",
			zap.String("project_id", projectID.String()),
			zap.String("run_id", runID.String()),
			zap.Error(err))
	}
}

func stageContext(ctx context.Context, stage models.WorkflowPhase) context.Context {
	rc, ok := llm.RunContextFrom(ctx)
	if !ok {
		return ctx
	}
	rc.Stage = string(stage)
	return llm.WithRunContext(ctx, rc)
}
