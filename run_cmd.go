package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/xyproto/superword/internal/interp"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/loopfile"
)

func newRunCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <loop.yaml>",
		Short: "Vectorize a loop, then run it against the scalar loop",
		Long: `Vectorize the loop, then execute both the scalar loop and the result on
the reference interpreter, starting from the memory described in the run
section of the file. Memory and outputs must match bit for bit, and the
outputs must match the expected values of the file.

Example:
  superword run --target sse4 testdata/loops/dot3.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd, root, args[0])
		},
	}
}

func runLoop(cmd *cobra.Command, root *rootOptions, path string) error {
	s, err := root.session(cmd)
	if err != nil {
		return err
	}
	loops, err := compileAll(cmd, s, []string{path}, 1)
	if err != nil {
		return err
	}
	c := loops[0]
	f := c.file
	if f.Run == nil {
		return fmt.Errorf("%s: no run section", path)
	}

	mem, err := f.Run.Memory()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	scalarMem := mem.Clone()
	scalar := ir.ScalarProgram(f.Graph, f.Loop, ir.LoopOutputs(f.Graph, f.Loop))
	want, err := interp.Run(scalar, interp.Input{Memory: scalarMem, Params: f.Run.Params})
	if err != nil {
		return fmt.Errorf("%s: scalar run: %w", path, err)
	}
	got, err := interp.Run(c.result.Program, interp.Input{Memory: mem, Params: f.Run.Params})
	if err != nil {
		return fmt.Errorf("%s: vector run: %w", path, err)
	}

	if diff := cmp.Diff(scalarMem.Snapshot(), mem.Snapshot()); diff != "" {
		return fmt.Errorf("%s: memory differs from the scalar run (-scalar +vector):\n%s", path, diff)
	}
	if diff := cmp.Diff(want.Outputs, got.Outputs); diff != "" {
		return fmt.Errorf("%s: outputs differ from the scalar run (-scalar +vector):\n%s", path, diff)
	}
	if err := f.Run.Check(got.Outputs); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprint(w, c.result.Trace.String())
	if root.Verbose {
		fmt.Fprint(cmd.ErrOrStderr(), c.task.Diag.Report(false))
	}
	for _, o := range ir.LoopOutputs(f.Graph, f.Loop) {
		t := f.Graph.Node(o.Node).Type
		fmt.Fprintf(w, "  %s = %s\n", o.Name, loopfile.Format(t, got.Outputs[o.Name]))
	}
	printStats(s, w, got.Stats)
	return s.finish(cmd, root)
}

func printStats(s *session, w io.Writer, st interp.Stats) {
	for k := ir.LoopOriginal; k <= ir.LoopSlow; k++ {
		if n := st.Iterations[k]; n > 0 {
			s.print.Fprintf(w, "  iterations %s: %d\n", k, n)
		}
	}
	branches := lo.Keys(st.Guards)
	slices.Sort(branches)
	for _, b := range branches {
		s.print.Fprintf(w, "  guard %s: %d\n", b, st.Guards[b])
	}
	s.print.Fprintf(w, "  vector ops executed: %d\n", lo.Sum(lo.Values(st.VectorOps)))
}
