// task.go - Per-compilation state
package vectorize

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xyproto/superword/internal/config"
	"github.com/xyproto/superword/internal/diag"
	"github.com/xyproto/superword/internal/engine"
	"github.com/xyproto/superword/internal/metrics"
)

// Task is the state of one compilation. Tasks share nothing mutable, so
// any number of them can run at once.
type Task struct {
	ID      uuid.UUID
	Config  config.Config
	Target  *engine.Target
	Log     zerolog.Logger
	Metrics *metrics.Metrics // may be nil
	Diag    *diag.Collector
}

// NewTask checks cfg, resolves the target it names and returns a fresh
// task. An empty target name means the host.
func NewTask(cfg config.Config, log zerolog.Logger, m *metrics.Metrics) (*Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	target := engine.Detect()
	if cfg.Target != "" {
		t, err := engine.Named(cfg.Target)
		if err != nil {
			return nil, err
		}
		target = t
	}
	if cfg.VectorBytes != 0 {
		t, err := target.WithVectorBytes(cfg.VectorBytes)
		if err != nil {
			return nil, err
		}
		target = t
	}
	if target.AlignStrict {
		cfg.AlignStrict = true
	}
	id := uuid.New()
	return &Task{
		ID:      id,
		Config:  cfg,
		Target:  target,
		Log:     log.With().Str("task", id.String()).Logger(),
		Metrics: m,
		Diag:    diag.NewCollector(),
	}, nil
}

// Summary returns a one-line description of the task settings
func (t *Task) Summary() string {
	c := t.Config
	return fmt.Sprintf("target=%s vector=%dB align-strict=%t relaxed-float=%t speculative=%t hoist=%t override=%s max-unroll=%d",
		t.Target.Name, t.Target.VectorBytes, c.AlignStrict, c.RelaxedFloatReduction, c.SpeculativeChecks, c.HoistReductions, c.Override, c.MaxUnroll)
}
