// pipeline.go - Explicit vectorization stages with validated transitions
package vectorize

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xyproto/superword/internal/diag"
)

// Stage is a step of the vectorization pipeline
type Stage int

const (
	StageInit Stage = iota
	StageReductions
	StageUnroll
	StageCanonicalize
	StageDependencies
	StagePacks
	StageLegality
	StageSchedule
	StageEmit
	StageVerify
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageReductions:
		return "reductions"
	case StageUnroll:
		return "unroll"
	case StageCanonicalize:
		return "canonicalize"
	case StageDependencies:
		return "dependencies"
	case StagePacks:
		return "packs"
	case StageLegality:
		return "legality"
	case StageSchedule:
		return "schedule"
	case StageEmit:
		return "emit"
	case StageVerify:
		return "verify"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// pipeline tracks the current stage of one task and refuses to skip or
// revisit stages
type pipeline struct {
	loop    string
	current Stage
	history []Stage
	log     zerolog.Logger
}

func newPipeline(loop string, log zerolog.Logger) *pipeline {
	return &pipeline{loop: loop, current: StageInit, history: []Stage{StageInit}, log: log}
}

// advanceTo moves to the next stage. Any other transition is an internal
// error.
func (p *pipeline) advanceTo(s Stage) {
	if p.current == StageDone || s != p.current+1 {
		diag.Violation(diag.Site{Loop: p.loop, Stage: p.current.String()},
			"invalid stage transition %s -> %s (history: %s)", p.current, s, p.historyString())
	}
	p.current = s
	p.history = append(p.history, s)
	p.log.Debug().Stringer("stage", s).Msg("pipeline advanced")
}

// validate asserts that an operation runs in the expected stage
func (p *pipeline) validate(expected Stage, operation string) {
	if p.current != expected {
		diag.Violation(diag.Site{Loop: p.loop, Stage: p.current.String()},
			"%s attempted at stage %s, expected %s", operation, p.current, expected)
	}
}

func (p *pipeline) historyString() string {
	parts := make([]string, len(p.history))
	for i, s := range p.history {
		parts[i] = s.String()
	}
	return strings.Join(parts, " -> ")
}
