package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xyproto/superword/internal/diag"
	"github.com/xyproto/superword/internal/loopfile"
	"github.com/xyproto/superword/internal/vectorize"
)

func newVectorizeCommand(root *rootOptions) *cobra.Command {
	jobs := 4
	cmd := &cobra.Command{
		Use:   "vectorize <loop.yaml>...",
		Short: "Vectorize loops and print the decision trace of each",
		Long: `Vectorize every loop file and print what happened to it: the unroll
factor, the packs and runtime checks, the vector operations produced, the
reduction modes and the reasons for anything left scalar.

Loops are compiled concurrently; traces are printed in argument order.

Example:
  superword vectorize --target avx2 testdata/loops/*.yaml
  superword vectorize --override on -j 8 a.yaml b.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVectorize(cmd, root, args, jobs)
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", jobs, "loops compiled at once")
	return cmd
}

// vectorizeLoop compiles one loop
var vectorizeLoop = vectorize.Vectorize

// compiled is one loop file after vectorization
type compiled struct {
	file   *loopfile.File
	task   *vectorize.Task
	result *vectorize.Result
}

// compileAll vectorizes every file, at most jobs at a time, keeping the
// order of paths. A loop that breaks an internal invariant keeps its scalar
// program and the others carry on.
func compileAll(cmd *cobra.Command, s *session, paths []string, jobs int) ([]compiled, error) {
	if jobs < 1 {
		return nil, fmt.Errorf("jobs must be at least 1, got %d", jobs)
	}
	out := make([]compiled, len(paths))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(jobs)
	for i, path := range paths {
		g.Go(func() error {
			f, err := loopfile.Load(path)
			if err != nil {
				return err
			}
			task, err := vectorize.NewTask(s.cfg, s.log.With().Str("file", path).Logger(), s.metrics)
			if err != nil {
				return err
			}
			res, err := vectorizeLoop(ctx, task, f.Graph, f.Loop)
			if diag.IsInvariantViolation(err) {
				res, err = vectorize.Fallback(task, f.Graph, f.Loop, err), nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			out[i] = compiled{file: f, task: task, result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func runVectorize(cmd *cobra.Command, root *rootOptions, paths []string, jobs int) error {
	s, err := root.session(cmd)
	if err != nil {
		return err
	}
	loops, err := compileAll(cmd, s, paths, jobs)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	counts := make(map[vectorize.Outcome]int)
	for _, c := range loops {
		fmt.Fprint(w, c.result.Trace.String())
		if root.Verbose {
			fmt.Fprint(cmd.ErrOrStderr(), c.task.Diag.Report(false))
		}
		counts[c.result.Outcome]++
	}
	s.print.Fprintf(w, "%d loops: %d vectorized, %d speculative, %d declined",
		len(loops), counts[vectorize.Vectorized], counts[vectorize.Speculative], counts[vectorize.Declined])
	if n := counts[vectorize.Failed]; n > 0 {
		s.print.Fprintf(w, ", %d failed", n)
	}
	fmt.Fprintln(w)
	return s.finish(cmd, root)
}
