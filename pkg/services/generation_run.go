package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// ProgressEvent is one state change of a generation run.
type ProgressEvent struct {
	RunID     uuid.UUID            `json:"run_id"`
	ProjectID uuid.UUID            `json:"project_id"`
	State     models.WorkflowState `json:"state"`
	Error     string               `json:"error,omitempty"`
	At        time.Time            `json:"at"`
}

// PartialResults is what a run has produced so far. A failed run keeps it
// so Resume can skip finished work.
//
// SuggestedSlides is the model's slide count bounded to [MinSlides, MaxSlides].
// It is advisory: the deck always has one slide per key point.
type PartialResults struct {
	Text            string
	KeyPoints       []models.KeyPoint
	SuggestedSlides int
	Slides          []models.Slide
	Images          []PendingImage
}

func (p PartialResults) clone() PartialResults {
	c := PartialResults{Text: p.Text, SuggestedSlides: p.SuggestedSlides}
	if p.KeyPoints != nil {
		c.KeyPoints = append([]models.KeyPoint(nil), p.KeyPoints...)
	}
	if p.Slides != nil {
		c.Slides = make([]models.Slide, len(p.Slides))
		for i, s := range p.Slides {
			c.Slides[i] = s.Clone()
		}
	}
	if p.Images != nil {
		c.Images = append([]PendingImage(nil), p.Images...)
	}
	return c
}

// GenerationRun is one execution of the pipeline for a project.
//
// Subscribers receive events on buffered channels. When a subscriber falls
// behind, intermediate events are dropped; the terminal event is always
// delivered and every channel is closed afterwards.
type GenerationRun struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	state    models.WorkflowState
	project  *models.Project
	partial  PartialResults
	err      error
	subs     []chan ProgressEvent
	progress <-chan ProgressEvent
	buffer   int
	closed   bool
}

func newGenerationRun(projectID uuid.UUID, project *models.Project, initial models.WorkflowState, partial PartialResults, buffer int) *GenerationRun {
	if buffer < 1 {
		buffer = 1
	}
	r := &GenerationRun{
		ID:        uuid.New(),
		ProjectID: projectID,
		StartedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		state:     initial,
		project:   project,
		partial:   partial,
		buffer:    buffer,
	}
	r.progress = r.Subscribe()
	return r
}

// Progress returns the run's primary event stream, which starts with the
// state the run was created in.
func (r *GenerationRun) Progress() <-chan ProgressEvent {
	return r.progress
}

// Subscribe returns a new event stream starting with the current state.
func (r *GenerationRun) Subscribe() <-chan ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan ProgressEvent, r.buffer)
	ch <- r.eventLocked()
	if r.closed {
		close(ch)
		return ch
	}
	r.subs = append(r.subs, ch)
	return ch
}

// Done is closed once the run reaches Ready or Failed.
func (r *GenerationRun) Done() <-chan struct{} {
	return r.done
}

func (r *GenerationRun) State() models.WorkflowState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Project returns the saved project once the run is ready, otherwise the
// snapshot the run started from.
func (r *GenerationRun) Project() *models.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.project.Clone()
}

// Err returns the error that failed the run, or nil.
func (r *GenerationRun) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Partial returns a copy of the results produced so far.
func (r *GenerationRun) Partial() PartialResults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.partial.clone()
}

func (r *GenerationRun) elapsed() time.Duration {
	return time.Since(r.StartedAt)
}

func (r *GenerationRun) updatePartial(fn func(p *PartialResults)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.partial)
}

func (r *GenerationRun) eventLocked() ProgressEvent {
	ev := ProgressEvent{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		State:     r.state,
		At:        time.Now().UTC(),
	}
	if r.err != nil {
		ev.Error = r.err.Error()
	}
	return ev
}

// transition moves the run to next if the state machine allows it and
// publishes the new state.
func (r *GenerationRun) transition(next models.WorkflowState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("%w: run already finished", apperrors.ErrInvalidState)
	}
	if !r.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidState, r.state, next)
	}
	r.state = next

	ev := r.eventLocked()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// complete records the terminal state, delivers it to every subscriber and
// closes the streams. final must be Ready or Failed.
func (r *GenerationRun) complete(final models.WorkflowState, project *models.Project, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.state.CanTransitionTo(final) {
		r.state = final
	} else {
		// A transition bug must still end the run; report it as fatal in the current stage.
		stage := r.state.Phase
		if !stage.IsStage() {
			stage = models.PhaseImportingContent
		}
		err = fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidState, r.state, final)
		r.state = models.Failed(stage, apperrors.KindFatal)
	}
	if project != nil {
		r.project = project
	}
	r.err = err

	ev := r.eventLocked()
	for _, ch := range r.subs {
		deliverTerminal(ch, ev)
		close(ch)
	}
	r.subs = nil
	r.closed = true
	close(r.done)
}

// deliverTerminal makes room by dropping the oldest buffered event if needed.
func deliverTerminal(ch chan ProgressEvent, ev ProgressEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
