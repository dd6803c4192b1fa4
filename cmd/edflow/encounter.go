package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/edflow/internal/domain/encounter"
	"github.com/ehr/edflow/internal/workflow"
)

func encounterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encounter",
		Short: "Operate on encounters through the Clinical API",
	}
	addActorFlags(cmd)

	transition := &cobra.Command{
		Use:   "transition <encounter-id>",
		Short: "Move an encounter to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "encounter id")
			if err != nil {
				return err
			}
			to, _ := cmd.Flags().GetString("to")
			target, ok := encounter.ParseStatus(strings.ToUpper(to))
			if !ok {
				return fmt.Errorf("unknown status %q", to)
			}

			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close(cmd.ErrOrStderr())
			if err := requireActor(env); err != nil {
				return err
			}

			ctx := cmd.Context()
			store := workflow.NewStore[encounter.Encounter]("encounter",
				workflow.WithLogger(env.logger), workflow.WithScope(ctx))
			defer store.Close()
			lc := encounter.NewLifecycle(store, env.api,
				encounter.WithPublisher(env.bus), encounter.WithLogger(env.logger))

			enc, err := lc.Open(ctx, id)
			if err != nil {
				return err
			}

			var disp *encounter.Disposition
			summary, _ := cmd.Flags().GetString("summary")
			followUp, _ := cmd.Flags().GetString("follow-up")
			if summary != "" || followUp != "" {
				disp = &encounter.Disposition{DischargeSummary: summary, FollowUpInstructions: followUp}
			}

			out, err := lc.RequestTransition(ctx, enc, target, env.actor, disp)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	transition.Flags().String("to", "", "Target status")
	transition.Flags().String("summary", "", "Discharge summary (terminal statuses)")
	transition.Flags().String("follow-up", "", "Follow-up instructions (terminal statuses)")
	_ = transition.MarkFlagRequired("to")
	cmd.AddCommand(transition)

	return cmd
}
