package models

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
)

// ============================================================================
// Generation Phases
// ============================================================================

// WorkflowPhase is a node of the generation state machine.
// State machine:
//
//	not_started → importing_content → analyzing_content → generating_slides(i,n)
//	    → generating_images(i,n) → ready
//
//	Any state can transition to: failed(stage, kind)
//	failed --resume--> state at the start of the failed stage
type WorkflowPhase string

const (
	PhaseNotStarted       WorkflowPhase = "not_started"
	PhaseImportingContent WorkflowPhase = "importing_content"
	PhaseAnalyzingContent WorkflowPhase = "analyzing_content"
	PhaseGeneratingSlides WorkflowPhase = "generating_slides"
	PhaseGeneratingImages WorkflowPhase = "generating_images"
	PhaseReady            WorkflowPhase = "ready"
	PhaseFailed           WorkflowPhase = "failed"
)

// stageOrder is the sequence of working phases; used to find resume points.
var stageOrder = []WorkflowPhase{
	PhaseImportingContent,
	PhaseAnalyzingContent,
	PhaseGeneratingSlides,
	PhaseGeneratingImages,
}

// IsStage reports whether the phase is one of the working pipeline stages.
func (p WorkflowPhase) IsStage() bool {
	for _, s := range stageOrder {
		if s == p {
			return true
		}
	}
	return false
}

// ============================================================================
// Workflow State
// ============================================================================

// WorkflowState is the transient state of one generation run.
// Completed/Total are meaningful for the slide and image phases;
// FailedStage and ErrorKind only for PhaseFailed.
type WorkflowState struct {
	Phase       WorkflowPhase  `json:"phase"`
	Completed   int            `json:"completed"`
	Total       int            `json:"total"`
	FailedStage WorkflowPhase  `json:"failed_stage,omitempty"`
	ErrorKind   apperrors.Kind `json:"error_kind,omitempty"`
}

func NotStarted() WorkflowState       { return WorkflowState{Phase: PhaseNotStarted} }
func ImportingContent() WorkflowState { return WorkflowState{Phase: PhaseImportingContent} }
func AnalyzingContent() WorkflowState { return WorkflowState{Phase: PhaseAnalyzingContent} }
func Ready() WorkflowState            { return WorkflowState{Phase: PhaseReady} }

func GeneratingSlides(completed, total int) WorkflowState {
	return WorkflowState{Phase: PhaseGeneratingSlides, Completed: completed, Total: total}
}

func GeneratingImages(completed, total int) WorkflowState {
	return WorkflowState{Phase: PhaseGeneratingImages, Completed: completed, Total: total}
}

func Failed(stage WorkflowPhase, kind apperrors.Kind) WorkflowState {
	return WorkflowState{Phase: PhaseFailed, FailedStage: stage, ErrorKind: kind}
}

// IsTerminal returns true if the run has finished (ready or failed).
func (s WorkflowState) IsTerminal() bool {
	return s.Phase == PhaseReady || s.Phase == PhaseFailed
}

// IsActive returns true if a run is in progress.
func (s WorkflowState) IsActive() bool {
	return s.Phase.IsStage()
}

func (s WorkflowState) String() string {
	switch s.Phase {
	case PhaseGeneratingSlides, PhaseGeneratingImages:
		return fmt.Sprintf("%s(%d/%d)", s.Phase, s.Completed, s.Total)
	case PhaseFailed:
		return fmt.Sprintf("%s(%s, %s)", s.Phase, s.FailedStage, s.ErrorKind)
	default:
		return string(s.Phase)
	}
}

// CanTransitionTo validates a move along the state machine.
// Progress inside the slide and image phases must advance one sub-operation
// at a time and never move backwards.
func (s WorkflowState) CanTransitionTo(next WorkflowState) bool {
	if next.Phase == PhaseFailed {
		return s.Phase != PhaseReady && s.Phase != PhaseFailed && next.FailedStage.IsStage()
	}

	switch s.Phase {
	case PhaseNotStarted:
		return next.Phase == PhaseImportingContent
	case PhaseImportingContent:
		return next.Phase == PhaseAnalyzingContent
	case PhaseAnalyzingContent:
		return next.Phase == PhaseGeneratingSlides && next.Completed == 0 && next.Total > 0
	case PhaseGeneratingSlides:
		if next.Phase == PhaseGeneratingSlides {
			return next.Total == s.Total && next.Completed == s.Completed+1 && next.Completed <= s.Total
		}
		return next.Phase == PhaseGeneratingImages && s.Completed == s.Total &&
			next.Completed == 0 && next.Total == s.Total
	case PhaseGeneratingImages:
		if next.Phase == PhaseGeneratingImages {
			return next.Total == s.Total && next.Completed == s.Completed+1 && next.Completed <= s.Total
		}
		return next.Phase == PhaseReady && s.Completed == s.Total
	case PhaseFailed:
		return next == ResumeState(s.FailedStage, next.Total)
	}
	return false
}

// ResumeState returns the state a failed run re-enters when the given stage is retried.
// Stage progress restarts at zero; reused partial results are replayed as progress.
// total is ignored for the import and analysis stages.
func ResumeState(stage WorkflowPhase, total int) WorkflowState {
	switch stage {
	case PhaseImportingContent:
		return ImportingContent()
	case PhaseAnalyzingContent:
		return AnalyzingContent()
	case PhaseGeneratingSlides:
		return GeneratingSlides(0, total)
	case PhaseGeneratingImages:
		return GeneratingImages(0, total)
	}
	return NotStarted()
}
