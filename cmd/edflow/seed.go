package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/edflow/internal/config"
	"github.com/ehr/edflow/internal/domain/encounter"
	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/platform/sandbox"
)

func seedCmd() *cobra.Command {
	def := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate a development database with a staff roster and encounters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.IsDev() {
				return fmt.Errorf("seeding is only allowed when ENV=development, got %q", cfg.Env)
			}

			sc := sandbox.SeedConfig{}
			sc.Doctors, _ = cmd.Flags().GetInt("doctors")
			sc.Nurses, _ = cmd.Flags().GetInt("nurses")
			sc.Admins, _ = cmd.Flags().GetInt("admins")
			sc.Encounters, _ = cmd.Flags().GetInt("encounters")
			sc.Seed, _ = cmd.Flags().GetInt64("seed")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			staffSvc := staff.NewService(staff.NewRepo(pool))
			encounterSvc := encounter.NewService(encounter.NewRepo(pool), db.NewTxRunner(pool), staffSvc)

			res, err := sandbox.NewSeeder(sc, staffSvc, encounterSvc, logger).Run(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAFF ID\tNAME\tROLE")
			for _, st := range res.Staff {
				fmt.Fprintf(w, "%s\t%s\t%s\n", st.ID, st.Name, st.Role)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "ENCOUNTER ID\tMRN\tTRIAGE\tRESPONSIBLE")
			for _, enc := range res.Encounters {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", enc.ID, enc.PatientMRN, enc.TriageLevel, enc.ResponsibleStaffID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("doctors", def.Doctors, "Doctors to create")
	cmd.Flags().Int("nurses", def.Nurses, "Nurses to create")
	cmd.Flags().Int("admins", def.Admins, "Admins to create")
	cmd.Flags().Int("encounters", def.Encounters, "Encounters to register")
	cmd.Flags().Int64("seed", def.Seed, "Random seed")
	return cmd
}
