// Package config holds the knobs of the vectorizer. Values come from
// SUPERWORD_* environment variables, optionally preloaded from a .env file;
// command-line flags override them afterwards.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/xyproto/env/v2"
)

// Override forces or forbids vectorization regardless of the cost model
type Override int

const (
	ForceOff Override = iota // never vectorize
	Auto                     // vectorize when the cost model says it pays off
	ForceOn                  // vectorize whenever it is legal
)

func (o Override) String() string {
	switch o {
	case ForceOff:
		return "force-off"
	case Auto:
		return "auto"
	case ForceOn:
		return "force-on"
	default:
		return fmt.Sprintf("override(%d)", int(o))
	}
}

// Config is the configuration set of one compile task
type Config struct {
	AlignStrict           bool
	RelaxedFloatReduction bool
	Override              Override
	SpeculativeChecks     bool
	HoistReductions       bool
	MaxUnroll             int
	// VectorBytes overrides the width of the target when not zero
	VectorBytes int
	Target      string // preset name, empty for the host
	LogLevel    string
	LogFormat   string
}

// Environment variable names
const (
	EnvAlignStrict     = "SUPERWORD_ALIGN_STRICT"
	EnvRelaxedFloat    = "SUPERWORD_RELAXED_FLOAT_REDUCTION"
	EnvOverride        = "SUPERWORD_OVERRIDE_PROFITABILITY"
	EnvSpeculative     = "SUPERWORD_SPECULATIVE_CHECKS"
	EnvHoistReductions = "SUPERWORD_HOIST_REDUCTIONS"
	EnvMaxUnroll       = "SUPERWORD_MAX_UNROLL"
	EnvVectorBytes     = "SUPERWORD_VECTOR_BYTES"
	EnvTarget          = "SUPERWORD_TARGET"
	EnvLogLevel        = "SUPERWORD_LOG_LEVEL"
	EnvLogFormat       = "SUPERWORD_LOG_FORMAT"
)

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		AlignStrict:           false,
		RelaxedFloatReduction: false,
		Override:              Auto,
		SpeculativeChecks:     true,
		HoistReductions:       true,
		MaxUnroll:             16,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// LoadDotEnv loads variables from path into the environment without
// overriding ones that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FromEnv starts from Default and applies every SUPERWORD_* variable that
// is set. The environment is reread on every call.
func FromEnv() (Config, error) {
	env.Load()
	c := Default()
	flag := func(name string, dst *bool) {
		if env.Has(name) {
			*dst = env.Bool(name)
		}
	}
	flag(EnvAlignStrict, &c.AlignStrict)
	flag(EnvRelaxedFloat, &c.RelaxedFloatReduction)
	flag(EnvSpeculative, &c.SpeculativeChecks)
	flag(EnvHoistReductions, &c.HoistReductions)
	c.Override = Override(env.Int(EnvOverride, int(c.Override)))
	c.MaxUnroll = env.Int(EnvMaxUnroll, c.MaxUnroll)
	c.VectorBytes = env.Int(EnvVectorBytes, c.VectorBytes)
	c.Target = env.Str(EnvTarget, c.Target)
	c.LogLevel = strings.ToLower(env.Str(EnvLogLevel, c.LogLevel))
	c.LogFormat = strings.ToLower(env.Str(EnvLogFormat, c.LogFormat))
	return c, c.Validate()
}

// Validate reports the first setting that is out of range
func (c Config) Validate() error {
	if c.Override < ForceOff || c.Override > ForceOn {
		return fmt.Errorf("%s must be 0, 1 or 2, got %d", EnvOverride, int(c.Override))
	}
	if c.MaxUnroll < 2 || c.MaxUnroll > 64 || c.MaxUnroll&(c.MaxUnroll-1) != 0 {
		return fmt.Errorf("%s must be a power of two between 2 and 64, got %d", EnvMaxUnroll, c.MaxUnroll)
	}
	if c.VectorBytes != 0 && (c.VectorBytes < 2 || c.VectorBytes > 256 || c.VectorBytes&(c.VectorBytes-1) != 0) {
		return fmt.Errorf("%s must be a power of two between 2 and 256, got %d", EnvVectorBytes, c.VectorBytes)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%s must be console or json, got %q", EnvLogFormat, c.LogFormat)
	}
	return nil
}

// Combinations returns every configuration that differs from c in the
// boolean knobs and the override, for equivalence testing
func (c Config) Combinations() []Config {
	var out []Config
	for mask := 0; mask < 1<<4; mask++ {
		for o := ForceOff; o <= ForceOn; o++ {
			v := c
			v.AlignStrict = mask&1 != 0
			v.RelaxedFloatReduction = mask&2 != 0
			v.SpeculativeChecks = mask&4 != 0
			v.HoistReductions = mask&8 != 0
			v.Override = o
			out = append(out, v)
		}
	}
	return out
}
