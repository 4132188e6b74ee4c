package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xyproto/superword/internal/engine"
	"github.com/xyproto/superword/internal/vectorize"
)

func newTargetCommand(root *rootOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Show the detected host target and the one the settings select",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if list {
				return listTargets(cmd)
			}
			s, err := root.session(cmd)
			if err != nil {
				return err
			}
			task, err := vectorize.NewTask(s.cfg, s.log, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "host: %s\n", engine.Detect())
			fmt.Fprintf(w, "selected: %s\n", task.Target)
			fmt.Fprintf(w, "settings: %s\n", task.Summary())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list the target presets")
	return cmd
}

func listTargets(cmd *cobra.Command) error {
	w := cmd.OutOrStdout()
	for _, name := range engine.Presets() {
		t, err := engine.Named(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-7s %3d-byte vectors  %s", t.Name, t.VectorBytes, strings.Join(t.Features, " "))
		if t.AlignStrict {
			fmt.Fprint(w, ", strict alignment")
		}
		fmt.Fprintln(w)
	}
	return nil
}
