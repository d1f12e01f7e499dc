package build

import (
	"fmt"
	"log/slog"
	"time"
)

// State is the position of a build in the pipeline.
type State string

const (
	StatePending      State = "pending"
	StateFetching     State = "fetching"
	StateProvisioning State = "provisioning"
	StateStaging      State = "staging"
	StateScripts      State = "scripts"
	StateCustomizing  State = "customizing"
	StateKernel       State = "kernel"
	StateAssembling   State = "assembling"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
)

var stateRank = map[State]int{
	StatePending:      0,
	StateFetching:     1,
	StateProvisioning: 2,
	StateStaging:      3,
	StateScripts:      4,
	StateCustomizing:  5,
	StateKernel:       6,
	StateAssembling:   7,
	StateSucceeded:    8,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// pipelineState tracks transitions of a single build. Transitions only move
// forward; optional stages may be skipped.
type pipelineState struct {
	current State
	entered time.Time
	history []State
	logger  *slog.Logger
	now     func() time.Time
}

func newPipelineState(logger *slog.Logger, now func() time.Time) *pipelineState {
	return &pipelineState{
		current: StatePending,
		entered: now(),
		history: []State{StatePending},
		logger:  logger,
		now:     now,
	}
}

func (p *pipelineState) advance(next State) error {
	if p.current.Terminal() {
		return fmt.Errorf("build already %s", p.current)
	}
	if next != StateFailed && stateRank[next] <= stateRank[p.current] {
		return fmt.Errorf("invalid transition %s -> %s", p.current, next)
	}

	now := p.now()
	p.logger.Debug("build state changed",
		"from", p.current,
		"to", next,
		"elapsed", now.Sub(p.entered).Round(time.Millisecond),
	)
	p.current = next
	p.entered = now
	p.history = append(p.history, next)
	return nil
}

// fail moves to StateFailed and wraps err with the state it happened in.
func (p *pipelineState) fail(err error) *PipelineError {
	stage := p.current
	_ = p.advance(StateFailed)
	return &PipelineError{Stage: stage, Err: err}
}
