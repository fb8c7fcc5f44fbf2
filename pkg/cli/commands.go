package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// withApp opens the configured backends for the duration of fn.
func withApp(ctx context.Context, opts *RootOptions, fn func(app *App) error) error {
	app, err := NewApp(ctx, opts.Config, opts.Logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

// NewCycleCommand creates the cycle command.
func NewCycleCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one full discovery cycle and promote its heuristics version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *App) error {
				status, err := app.Orchestrator.ProcessAndEvaluateAll(cmd.Context())
				if status != nil {
					if werr := writeStatus(cmd.OutOrStdout(), opts.Format, status); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}
}

// NewProcessCommand creates the process command.
func NewProcessCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <entity-type> <primary-key>",
		Short: "Add one entity's evidence to the current heuristics version",
		Long: `Add one entity's evidence to the current heuristics version.

Composite primary keys are joined with '|'.

Example:
  ontology-engine process namespace 'web|prod'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *App) error {
				result, err := app.Orchestrator.ProcessEntity(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return writeProcessResult(cmd.OutOrStdout(), opts.Format, result)
			})
		},
	}
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <relation-id>",
		Short: "Evaluate one relation candidate now and sync its edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *App) error {
				c, err := app.Orchestrator.EvaluateRelation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeCandidates(cmd.OutOrStdout(), opts.Format, opts.Config.Ontology, []*models.RelationCandidate{c})
			})
		},
	}
}

// NewDecideCommand creates the decide command.
func NewDecideCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "decide <relation-id> <accepted|rejected>",
		Short:     "Record an operator decision on a relation candidate",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(models.ManualInterventionAccepted), string(models.ManualInterventionRejected)},
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := models.ManualIntervention(args[1])
			if !models.IsValidManualIntervention(decision) {
				return fmt.Errorf("invalid decision %q: must be accepted or rejected", args[1])
			}
			return withApp(cmd.Context(), opts, func(app *App) error {
				c, err := app.Orchestrator.DecideRelation(cmd.Context(), args[0], decision)
				if err != nil {
					return err
				}
				return writeCandidates(cmd.OutOrStdout(), opts.Format, opts.Config.Ontology, []*models.RelationCandidate{c})
			})
		},
	}
}

// CandidatesOptions holds flags for the candidates command.
type CandidatesOptions struct {
	*RootOptions
	Status string
}

// NewCandidatesCommand creates the candidates command.
func NewCandidatesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CandidatesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List relation candidates of the current heuristics version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			want := models.RelationCandidateStatus(opts.Status)
			switch want {
			case "", models.RelCandidateStatusAccepted, models.RelCandidateStatusRejected, models.RelCandidateStatusPending:
			default:
				return fmt.Errorf("invalid status %q: must be accepted, rejected or pending", opts.Status)
			}
			return withApp(cmd.Context(), opts.RootOptions, func(app *App) error {
				all, err := app.Orchestrator.ListCandidates(cmd.Context())
				if err != nil {
					return err
				}
				th := opts.Config.Ontology
				out := make([]*models.RelationCandidate, 0, len(all))
				for _, c := range all {
					if want == "" || c.Status(th.AcceptanceThreshold, th.RejectionThreshold) == want {
						out = append(out, c)
					}
				}
				return writeCandidates(cmd.OutOrStdout(), opts.Format, th, out)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only show accepted, rejected or pending candidates")

	return cmd
}
