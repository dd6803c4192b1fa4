package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/edflow/internal/domain/diagnostics"
	"github.com/ehr/edflow/internal/domain/integrity"
	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/workflow"
)

func testCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Operate on diagnostic tests through the Clinical and Integrity APIs",
	}
	addActorFlags(cmd)
	cmd.AddCommand(testTransitionCmd(), testVerifyCmd(), testRetryCmd(), testSchemaCmd())
	return cmd
}

func newTestLifecycle(ctx context.Context, env *clientEnv) (*diagnostics.Lifecycle, func()) {
	store := workflow.NewStore[diagnostics.DiagnosticTest]("diagnostic_test",
		workflow.WithLogger(env.logger), workflow.WithScope(ctx))
	roster := staff.NewRoster(env.api, time.Minute)
	lc := diagnostics.NewLifecycle(store, env.api, roster,
		diagnostics.WithPublisher(env.bus), diagnostics.WithLogger(env.logger))
	return lc, store.Close
}

func testTransitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition <test-id>",
		Short: "Move a diagnostic test one step forward",
		Long: `Move a diagnostic test one step forward.

IN_PROGRESS needs --processed-by. COMPLETED takes result values with
--set key=value; extra fields are registered with --custom key:label:type[:unit]
where type is number or text.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "test id")
			if err != nil {
				return err
			}
			to, _ := cmd.Flags().GetString("to")
			target, ok := diagnostics.ParseStatus(strings.ToUpper(to))
			if !ok {
				return fmt.Errorf("unknown status %q", to)
			}
			sets, _ := cmd.Flags().GetStringArray("set")
			values, err := parseValues(sets)
			if err != nil {
				return err
			}
			customs, _ := cmd.Flags().GetStringArray("custom")

			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close(cmd.ErrOrStderr())
			if err := requireActor(env); err != nil {
				return err
			}

			ctx := cmd.Context()
			lc, done := newTestLifecycle(ctx, env)
			defer done()

			test, err := lc.Open(ctx, id)
			if err != nil {
				return err
			}

			var extra diagnostics.Extra
			if raw, _ := cmd.Flags().GetString("processed-by"); raw != "" {
				by, err := parseID(raw, "processed-by")
				if err != nil {
					return err
				}
				extra.ProcessedBy = &by
			}
			if target == diagnostics.StatusCompleted {
				fields, err := diagnostics.NewFieldSet(test.TestType)
				if err != nil {
					return err
				}
				for _, raw := range customs {
					fd, err := parseCustom(raw)
					if err != nil {
						return err
					}
					if err := fields.AddCustom(fd, test.Results); err != nil {
						return err
					}
				}
				extra.Fields = fields
				extra.Values = values
			}

			out, err := lc.RequestTransition(ctx, test, target, env.actor, extra)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().String("to", "", "Target status")
	cmd.Flags().String("processed-by", "", "Staff id processing the test (IN_PROGRESS)")
	cmd.Flags().StringArray("set", nil, "Result value key=value (COMPLETED, repeatable)")
	cmd.Flags().StringArray("custom", nil, "Custom field key:label:type[:unit] (COMPLETED, repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

type verifyOutcome struct {
	id       uuid.UUID
	report   integrity.Report
	promoted bool
	err      error
}

func testVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <test-id>...",
		Short: "Run the three-way hash check on one or more tests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, len(args))
			for i, a := range args {
				id, err := parseID(a, "test id")
				if err != nil {
					return err
				}
				ids[i] = id
			}
			promote, _ := cmd.Flags().GetBool("promote")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1, got %d", concurrency)
			}

			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close(cmd.ErrOrStderr())
			if promote {
				if err := requireActor(env); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			lc, done := newTestLifecycle(ctx, env)
			defer done()
			v := integrity.NewVerifier(env.api,
				integrity.WithExplorer(env.cfg.LedgerExplorerURL),
				integrity.WithPublisher(env.bus),
				integrity.WithLogger(env.logger))

			outcomes := make([]verifyOutcome, len(ids))
			var g errgroup.Group
			g.SetLimit(concurrency)
			for i, id := range ids {
				i, id := i, id
				g.Go(func() error {
					outcomes[i] = verifyOne(ctx, env, lc, v, id, promote)
					return nil
				})
			}
			_ = g.Wait()

			return printOutcomes(cmd, outcomes)
		},
	}
	cmd.Flags().Bool("promote", false, "Promote VERIFIED tests to RESULT_VERIFIED")
	cmd.Flags().Int("concurrency", 4, "Verifications run in parallel")
	return cmd
}

func verifyOne(ctx context.Context, env *clientEnv, lc *diagnostics.Lifecycle, v *integrity.Verifier, id uuid.UUID, promote bool) verifyOutcome {
	if !promote {
		rep, err := v.Verify(ctx, id)
		return verifyOutcome{id: id, report: rep, err: err}
	}
	test, err := env.api.GetDiagnosticTest(ctx, id)
	if err != nil {
		return verifyOutcome{id: id, err: err}
	}
	lc.Store().Upsert(test)
	_, rep, err := v.VerifyAndPromote(ctx, lc, test, env.actor)
	return verifyOutcome{id: id, report: rep, promoted: err == nil, err: err}
}

func printOutcomes(cmd *cobra.Command, outcomes []verifyOutcome) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEST\tSTATUS\tSTORED/REGEN\tSTORED/LEDGER\tREGEN/LEDGER\tNOTE")
	failed, alarms := 0, 0
	for _, o := range outcomes {
		r := o.report
		note := r.ExplorerLink
		if o.promoted {
			note = "promoted to RESULT_VERIFIED"
		}
		if o.err != nil {
			failed++
			if r.Status == "" {
				fmt.Fprintf(w, "%s\tFAILED\t-\t-\t-\t%v\n", o.id, o.err)
				continue
			}
			note = o.err.Error()
		}
		status := string(r.Status)
		if r.Alarm() {
			alarms++
			status = "!! " + status
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", o.id, status,
			r.StoredVsRegenerated, r.StoredVsBlockchain, r.RegeneratedVsBlockchain, note)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	var msgs []string
	if alarms > 0 {
		msgs = append(msgs, fmt.Sprintf("tampering detected on %d of %d tests", alarms, len(outcomes)))
	}
	if failed > 0 {
		msgs = append(msgs, fmt.Sprintf("%d of %d verifications failed", failed, len(outcomes)))
	}
	if len(msgs) > 0 {
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

func testRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <test-id>",
		Short: "Re-anchor a completed test whose results hash is not in the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "test id")
			if err != nil {
				return err
			}
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close(cmd.ErrOrStderr())

			ctx := cmd.Context()
			lc, done := newTestLifecycle(ctx, env)
			defer done()

			test, err := lc.Open(ctx, id)
			if err != nil {
				return err
			}
			out, err := lc.Retry(ctx, test)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func testSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <test-type>",
		Short: "Show the result fields of a test type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, ok := diagnostics.ParseTestType(strings.ToUpper(args[0]))
			if !ok {
				return fmt.Errorf("unknown test type %q", args[0])
			}
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close(cmd.ErrOrStderr())

			s, err := env.api.GetSchema(cmd.Context(), tt)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tLABEL\tTYPE\tUNIT")
			for _, f := range append(s.Fields, s.Extras...) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Key, f.Label, f.Type, f.Unit)
			}
			return w.Flush()
		},
	}
}

// parseValues reads key=value pairs. A key may not repeat.
func parseValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", p)
		}
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("--set %q given twice", k)
		}
		out[k] = v
	}
	return out, nil
}

// parseCustom reads key:label:type[:unit].
func parseCustom(s string) (diagnostics.FieldDescriptor, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return diagnostics.FieldDescriptor{}, fmt.Errorf("invalid --custom %q, want key:label:type[:unit]", s)
	}
	fd := diagnostics.FieldDescriptor{
		Key:   strings.TrimSpace(parts[0]),
		Label: strings.TrimSpace(parts[1]),
		Type:  diagnostics.ValueType(strings.ToLower(strings.TrimSpace(parts[2]))),
	}
	if len(parts) == 4 {
		fd.Unit = strings.TrimSpace(parts[3])
	}
	return fd, nil
}
