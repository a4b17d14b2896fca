package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type graphOptions struct {
	file string
	out  string
}

func newGraphCommand(root *rootOptions) *cobra.Command {
	gopts := &graphOptions{}

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Export the dependency graph of a manifest",
		Long: `Export the dependency graph of a component manifest as Graphviz DOT, or as
JSON with --json. Cycles and missing dependencies are drawn rather than
rejected.`,
		Example: `  # Render the graph with Graphviz
  inittree graph -f components.yaml | dot -Tsvg > components.svg

  # Write the DOT file
  inittree graph -f components.yaml --out components.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd.Context(), cmd.OutOrStdout(), root, gopts)
		},
	}

	cmd.Flags().StringVarP(&gopts.file, "file", "f", "", "manifest file (.yaml, .json or .cue)")
	cmd.Flags().StringVarP(&gopts.out, "out", "o", "", "output file (default: stdout)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runGraph(ctx context.Context, out io.Writer, root *rootOptions, gopts *graphOptions) error {
	proj, err := loadProject(ctx, log.Logger, gopts.file)
	if err != nil {
		return err
	}
	g, err := proj.graph()
	if err != nil {
		return err
	}

	if gopts.out != "" {
		f, err := os.Create(gopts.out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", gopts.out, err)
		}
		defer f.Close()
		out = f
	}

	if root.jsonOutput {
		return writeJSON(out, g)
	}
	_, err = io.WriteString(out, g.ToDOT())
	return err
}
