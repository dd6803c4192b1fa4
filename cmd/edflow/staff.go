package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/edflow/internal/platform/auth"
)

func staffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Inspect the staff roster",
	}
	addActorFlags(cmd)

	list := &cobra.Command{
		Use:   "list",
		Short: "List staff members",
		RunE: func(cmd *cobra.Command, args []string) error {
			var role auth.Role
			if raw, _ := cmd.Flags().GetString("filter-role"); raw != "" {
				r, err := auth.ParseRole(strings.ToUpper(raw))
				if err != nil {
					return err
				}
				role = r
			}

			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close(cmd.ErrOrStderr())

			members, err := env.api.ListStaff(cmd.Context(), role)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tACTIVE")
			for _, m := range members {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", m.ID, m.Name, m.Role, m.Active)
			}
			return w.Flush()
		},
	}
	list.Flags().String("filter-role", "", "Only list staff with this role")
	cmd.AddCommand(list)

	return cmd
}
