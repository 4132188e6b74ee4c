package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/xyproto/superword/internal/config"
	"github.com/xyproto/superword/internal/logging"
	"github.com/xyproto/superword/internal/metrics"
)

// rootOptions holds the flags shared by every command
type rootOptions struct {
	EnvFile     string
	Verbose     bool
	Target      string
	VectorBytes int
	Override    string
	AlignStrict bool
	Relaxed     bool
	Speculative bool
	Hoist       bool
	MaxUnroll   int
	LogLevel    string
	LogFormat   string
	Metrics     bool
}

// session is what a command runs with once flags and environment are merged
type session struct {
	cfg     config.Config
	log     zerolog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	print   *message.Printer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "superword",
		Short: "Superword-level parallelism for counted loops",
		Long: `superword packs isomorphic scalar operations of a counted loop into
vector operations, or explains why it left the loop scalar.

Settings come from SUPERWORD_* environment variables, optionally loaded
from a .env file, and are overridden by flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.EnvFile, "env-file", "", "load SUPERWORD_* variables from this file (default .env)")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging and per-loop diagnostics")
	f.StringVarP(&opts.Target, "target", "t", "", "target preset (default: the host)")
	f.IntVar(&opts.VectorBytes, "vector-bytes", 0, "override the vector width of the target")
	f.StringVar(&opts.Override, "override", "auto", "profitability override: off, auto or on")
	f.BoolVar(&opts.AlignStrict, "align-strict", false, "require aligned vector memory accesses")
	f.BoolVar(&opts.Relaxed, "relaxed-float", false, "allow reassociating float and double reductions")
	f.BoolVar(&opts.Speculative, "speculative", true, "emit runtime alias checks for unproven accesses")
	f.BoolVar(&opts.Hoist, "hoist", true, "move unordered reductions out of the loop")
	f.IntVar(&opts.MaxUnroll, "max-unroll", 16, "largest unroll factor")
	f.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn, error or disabled")
	f.StringVar(&opts.LogFormat, "log-format", "", "console or json")
	f.BoolVar(&opts.Metrics, "metrics", false, "print Prometheus metrics when done")

	cmd.AddCommand(newVectorizeCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newTargetCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// parseOverride accepts the names and the numeric environment values
func parseOverride(s string) (config.Override, error) {
	switch strings.ToLower(s) {
	case "off", "force-off":
		return config.ForceOff, nil
	case "auto":
		return config.Auto, nil
	case "on", "force-on":
		return config.ForceOn, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= int(config.ForceOff) && n <= int(config.ForceOn) {
		return config.Override(n), nil
	}
	return config.Auto, fmt.Errorf("invalid override %q: must be off, auto or on", s)
}

// config merges the environment with the flags set on the command line
func (o *rootOptions) config(cmd *cobra.Command) (config.Config, error) {
	if err := config.LoadDotEnv(o.EnvFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, err
	}
	changed := cmd.Flags().Changed
	if changed("target") {
		cfg.Target = o.Target
	}
	if changed("vector-bytes") {
		cfg.VectorBytes = o.VectorBytes
	}
	if changed("override") {
		if cfg.Override, err = parseOverride(o.Override); err != nil {
			return config.Config{}, err
		}
	}
	if changed("align-strict") {
		cfg.AlignStrict = o.AlignStrict
	}
	if changed("relaxed-float") {
		cfg.RelaxedFloatReduction = o.Relaxed
	}
	if changed("speculative") {
		cfg.SpeculativeChecks = o.Speculative
	}
	if changed("hoist") {
		cfg.HoistReductions = o.Hoist
	}
	if changed("max-unroll") {
		cfg.MaxUnroll = o.MaxUnroll
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.LogFormat = strings.ToLower(o.LogFormat)
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func (o *rootOptions) session(cmd *cobra.Command) (*session, error) {
	cfg, err := o.config(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.NewLogger(logging.Config{
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
		Output:  cmd.ErrOrStderr(),
		NoColor: os.Getenv("NO_COLOR") != "",
	})
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	return &session{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		metrics: metrics.New(reg),
		print:   message.NewPrinter(language.English),
	}, nil
}

// finish prints the collected metrics when asked to
func (s *session) finish(cmd *cobra.Command, o *rootOptions) error {
	if !o.Metrics {
		return nil
	}
	families, err := s.reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
			return err
		}
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString)
		},
	}
}
