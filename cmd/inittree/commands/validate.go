package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/inittree/pkg/config"
	"github.com/openfroyo/inittree/pkg/engine"
	"github.com/openfroyo/inittree/pkg/policy"
)

type validateOptions struct {
	file           string
	policyPaths    []string
	requiredLabels []string
	watch          bool
}

func newValidateCommand(root *rootOptions) *cobra.Command {
	vo := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a component manifest without constructing anything",
		Long: `Validate a component manifest.

This command checks:
  - Manifest syntax (YAML, JSON or CUE)
  - Schema conformance and component references
  - Dependency chain depth and cycles
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a manifest
  inittree validate -f components.yaml

  # Validate against extra policies and re-check on every change
  inittree validate -f components.yaml --policy ./policies --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), cmd.OutOrStdout(), root, vo)
		},
	}

	cmd.Flags().StringVarP(&vo.file, "file", "f", "", "manifest file (.yaml, .json or .cue)")
	cmd.Flags().StringSliceVar(&vo.policyPaths, "policy", nil, "policy files or directories")
	cmd.Flags().StringSliceVar(&vo.requiredLabels, "required-label", nil, "label every component must carry")
	cmd.Flags().BoolVar(&vo.watch, "watch", false, "re-validate when the manifest or a policy changes")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// validateReport is the outcome of one validation pass.
type validateReport struct {
	Manifest   string                  `json:"manifest"`
	Components int                     `json:"components"`
	Depth      int                     `json:"depth"`
	Valid      bool                    `json:"valid"`
	Problems   config.ValidationErrors `json:"problems,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Violations []policy.Violation      `json:"violations,omitempty"`
	Warnings   []policy.Violation      `json:"warnings,omitempty"`
	Errors     []string                `json:"policy_errors,omitempty"`
}

// errInvalid is returned when a manifest fails validation. The details have
// already been printed.
var errInvalid = errors.New("manifest is invalid")

func runValidate(ctx context.Context, out io.Writer, root *rootOptions, vo *validateOptions) error {
	logger := log.Logger

	check := func() error {
		report := validateManifest(ctx, logger, vo)
		if root.jsonOutput {
			if err := writeJSON(out, report); err != nil {
				return err
			}
		} else {
			printValidateReport(out, report)
		}
		if !report.Valid {
			return errInvalid
		}
		return nil
	}

	err := check()
	if !vo.watch {
		return err
	}

	manifestPath, absErr := filepath.Abs(vo.file)
	if absErr != nil {
		return absErr
	}
	paths := append([]string{manifestPath}, vo.policyPaths...)
	match := func(name string) bool {
		if abs, err := filepath.Abs(name); err == nil && abs == manifestPath {
			return true
		}
		return policy.IsPolicyFile(name)
	}

	w, err := policy.Watch(ctx, logger, paths, match, func(changed []string) {
		logger.Info().Strs("files", changed).Msg("Re-validating")
		_ = check()
	})
	if err != nil {
		return err
	}
	defer w.Close()

	<-ctx.Done()
	return nil
}

// validateManifest runs every check that does not construct components.
func validateManifest(ctx context.Context, logger zerolog.Logger, vo *validateOptions) *validateReport {
	report := &validateReport{Manifest: vo.file}

	proj, err := loadProject(ctx, logger, vo.file)
	if err != nil {
		report.fail(err)
		return report
	}
	report.Manifest = proj.manifest.Name
	report.Components = len(proj.manifest.Components)

	// A chain that is too deep is reported alongside the policy verdict.
	_, treeErr := proj.newTree(engine.WithLogger(logger))
	if treeErr != nil {
		report.fail(treeErr)
	}

	g, err := proj.graph()
	if err != nil {
		report.fail(err)
		return report
	}
	report.Depth = g.Depth

	pe, err := newPolicyEngine(ctx, logger, vo.policyPaths, nil)
	if err != nil {
		report.fail(err)
		return report
	}
	result, err := pe.Evaluate(ctx, proj.policyInput(g, policy.InputContext{RequiredLabels: vo.requiredLabels}))
	if err != nil {
		report.fail(err)
		return report
	}
	report.Violations = result.Violations
	report.Warnings = result.Warnings
	report.Errors = result.Errors
	report.Valid = result.Allowed && treeErr == nil
	return report
}

func (r *validateReport) fail(err error) {
	r.Valid = false
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		r.Problems = verrs
		return
	}
	r.Error = err.Error()
}

func printValidateReport(w io.Writer, r *validateReport) {
	if r.Components > 0 {
		fmt.Fprintf(w, "manifest %s: %d components, %d levels\n", r.Manifest, r.Components, r.Depth)
	} else {
		fmt.Fprintf(w, "manifest %s\n", r.Manifest)
	}
	for _, p := range r.Problems {
		fmt.Fprintf(w, "invalid  %s\n", p.String())
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error    %s\n", r.Error)
	}
	printViolations(w, "denied", r.Violations)
	printViolations(w, "warning", r.Warnings)
	for _, msg := range r.Errors {
		fmt.Fprintf(w, "policy   %s\n", msg)
	}
	if r.Valid {
		fmt.Fprintln(w, "valid")
	} else {
		fmt.Fprintln(w, "invalid")
	}
}
