package services

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// StageError reports which pipeline stage failed and how.
type StageError struct {
	Stage models.WorkflowPhase
	Kind  apperrors.Kind
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrorKind implements apperrors.KindedError.
func (e *StageError) ErrorKind() apperrors.Kind {
	return e.Kind
}

// newStageError classifies err; a nil err yields nil.
func newStageError(stage models.WorkflowPhase, err error) *StageError {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Kind: apperrors.KindOf(err), Err: err}
}
