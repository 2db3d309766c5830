// Package agents runs the reply pipeline: persona analysis, context
// retrieval, an optional relevance check, drafting and critique, one stage
// after another over a single State.
package agents

import (
	"errors"
	"fmt"

	"github.com/stellarlinkco/mimic/internal/memory"
)

// ErrStage marks every error produced by a pipeline stage.
var ErrStage = errors.New("pipeline stage failed")

// State is owned by one pipeline run. Stages read and write only their own
// fields; the first stage that sets Err stops the run.
type State struct {
	Query   string
	Scope   memory.Scope
	History []memory.StoredMessage

	Persona         Persona
	Context         string
	Similar         []memory.SimilarMessage
	ContextRelevant bool
	Draft           string
	Final           string

	Err    error
	Stages []string
}

// StageError names the stage that stopped the run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("an error occurred in %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrStage, e.Err}
}

// userTexts returns the trimmed texts of the user's own messages.
func (s *State) userTexts() []string {
	out := make([]string, 0, len(s.History))
	for _, m := range s.History {
		if m.IsOutgoing && m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}
