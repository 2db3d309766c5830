package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/mimic/internal/logger"
	"github.com/stellarlinkco/mimic/internal/memory"
)

const defaultStageTimeout = 45 * time.Second

var tracer = otel.Tracer("github.com/stellarlinkco/mimic/internal/agents")

// Chief runs the stages in order over one State and stops at the first
// failure.
type Chief struct {
	stages       []Stage
	stageTimeout time.Duration
	log          *logger.Logger
}

func NewChief(stages []Stage, stageTimeout time.Duration, log *logger.Logger) *Chief {
	if stageTimeout <= 0 {
		stageTimeout = defaultStageTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Chief{stages: stages, stageTimeout: stageTimeout, log: log.Named("agents")}
}

// StageNames lists the configured stages in execution order.
func (c *Chief) StageNames() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes every stage unless one fails; the failure is recorded in
// State.Err as a *StageError and the remaining stages are skipped.
func (c *Chief) Run(ctx context.Context, st State) State {
	if st.Persona.Formality == "" {
		st.Persona = DefaultPersona()
	}
	ctx, span := tracer.Start(ctx, "agents.run")
	defer span.End()

	for _, stage := range c.stages {
		err := c.runStage(ctx, stage, &st)
		if err == nil && st.Err != nil {
			err = st.Err
		}
		if err != nil {
			st.Err = &StageError{Stage: stage.Name, Err: err}
			span.RecordError(st.Err)
			span.SetStatus(codes.Error, stage.Name)
			c.log.Error("pipeline stopped", "stage", stage.Name, "session_id", st.Scope.SessionID, "error", err)
			return st
		}
		st.Stages = append(st.Stages, stage.Name)
	}
	c.log.Debug("pipeline finished", "stages", strings.Join(st.Stages, ","), "session_id", st.Scope.SessionID)
	return st
}

func (c *Chief) runStage(ctx context.Context, stage Stage, st *State) (err error) {
	ctx, span := tracer.Start(ctx, "agents.stage."+strings.ToLower(stage.Name),
		trace.WithAttributes(attribute.String("kind", string(stage.Kind))))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.stageTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	if stage.Run == nil {
		return errors.New("stage has no implementation")
	}
	return stage.Run(ctx, st)
}

// Suggest runs the pipeline for query and returns the final reply, or the
// stage error unchanged.
func (c *Chief) Suggest(ctx context.Context, scope memory.Scope, query string, history []memory.StoredMessage) (State, error) {
	st := c.Run(ctx, State{Query: strings.TrimSpace(query), Scope: scope, History: history})
	if st.Err != nil {
		return st, st.Err
	}
	if st.Final == "" {
		st.Final = st.Draft
	}
	if st.Final == "" {
		return st, &StageError{Stage: "Chief", Err: errors.New("pipeline produced no reply")}
	}
	return st, nil
}
