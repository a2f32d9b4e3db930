package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/attending-controller/internal/logging"
	"github.com/danielpatrickdp/attending-controller/internal/orchestrator"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region main

var rootCmd = &cobra.Command{
	Use:           "inspect",
	Short:         "Read-only views over an attending controller database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("db", "attending.db", "path to the controller database")
	rootCmd.PersistentFlags().String("session", "", "session id")
	rootCmd.PersistentFlags().Int("last", 20, "show N most recent rows")
	rootCmd.PersistentFlags().Bool("json", false, "output as JSON instead of table")
	rootCmd.AddCommand(observationsCmd, incidentsCmd, alertsCmd, interventionsCmd, decisionsCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region commands

// view opens the store and hands the session flags to fn.
type view func(ctx context.Context, store *state.Store, session string, last int, out io.Writer, jsonOut bool) error

func sessionCmd(use, short string, fn view) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			session, _ := cmd.Flags().GetString("session")
			last, _ := cmd.Flags().GetInt("last")
			jsonOut, _ := cmd.Flags().GetBool("json")
			if session == "" {
				return fmt.Errorf("--session is required")
			}
			if last <= 0 {
				return fmt.Errorf("--last must be positive")
			}
			store, err := state.NewStore(dbPath)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()
			return fn(cmd.Context(), store, session, last, cmd.OutOrStdout(), jsonOut)
		},
	}
}

var observationsCmd = sessionCmd("observations", "List recent quality observations", func(ctx context.Context, store *state.Store, session string, last int, out io.Writer, jsonOut bool) error {
	rows, err := store.RecentObservations(ctx, session, last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, rows)
	}
	fmt.Fprintf(out, "%-20s  %-12s  %-12s  %7s\n", "Time", "Persona", "Intent", "Quality")
	for _, o := range rows {
		fmt.Fprintf(out, "%-20s  %-12s  %-12s  %7.3f\n", stamp(o.CreatedAt.Format(timeFmt)), o.Persona, dash(o.Intent), o.Quality)
	}
	return nil
})

var incidentsCmd = sessionCmd("incidents", "List recent dissociation incidents", func(ctx context.Context, store *state.Store, session string, last int, out io.Writer, jsonOut bool) error {
	rows, err := store.ListIncidents(ctx, session, last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, rows)
	}
	fmt.Fprintf(out, "%-20s  %-14s  %8s\n", "Time", "Category", "Severity")
	for _, in := range rows {
		fmt.Fprintf(out, "%-20s  %-14s  %8.3f\n", stamp(in.CreatedAt.Format(timeFmt)), in.Category, in.Severity)
	}
	return nil
})

var alertsCmd = sessionCmd("alerts", "List alerts raised during pre-turn", func(ctx context.Context, store *state.Store, session string, last int, out io.Writer, jsonOut bool) error {
	rows, err := store.ListAlerts(ctx, session, last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, rows)
	}
	fmt.Fprintf(out, "%-20s  %-10s  %-8s  %-22s  %s\n", "Time", "Turn", "Level", "Kind", "Message")
	for _, a := range rows {
		fmt.Fprintf(out, "%-20s  %-10s  %-8s  %-22s  %s\n", stamp(a.CreatedAt.Format(timeFmt)), shortID(a.TurnID), a.Level, a.Kind, a.Message)
	}
	return nil
})

var interventionsCmd = sessionCmd("interventions", "List executed interventions and their effectiveness", func(ctx context.Context, store *state.Store, session string, last int, out io.Writer, jsonOut bool) error {
	rows, err := store.ListInterventions(ctx, session, last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, rows)
	}
	fmt.Fprintf(out, "%-10s  %-20s  %-18s  %-17s  %6s  %6s  %6s\n",
		"ID", "Time", "Kind", "Persona", "Before", "After", "Eff")
	for _, r := range rows {
		persona := r.PersonaBefore
		if r.PersonaAfter != r.PersonaBefore {
			persona += "->" + r.PersonaAfter
		}
		fmt.Fprintf(out, "%-10s  %-20s  %-18s  %-17s  %6.3f  %6s  %6s\n",
			shortID(r.ID), stamp(r.CreatedAt.Format(timeFmt)), r.ActionKind, persona,
			r.QualityBefore, optFloat(r.QualityAfter), optFloat(r.Effectiveness))
	}
	return nil
})

var decisionsCmd = sessionCmd("decisions", "List the per-turn decision log", func(ctx context.Context, store *state.Store, session string, last int, out io.Writer, jsonOut bool) error {
	rows, err := logging.ListDecisions(ctx, store.DB(), session, last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, rows)
	}
	fmt.Fprintf(out, "%-20s  %-10s  %-10s  %-18s  %-40s  %s\n", "Time", "Turn", "Action", "Protocol", "Alerts", "Reason")
	for _, d := range rows {
		fmt.Fprintf(out, "%-20s  %-10s  %-10s  %-18s  %-40s  %s\n",
			stamp(d.CreatedAt.Format(timeFmt)), shortID(d.TurnID), d.Action, dash(d.ProtocolID), dash(d.AlertKinds), d.Reason)
	}
	return nil
})

var healthCmd = sessionCmd("health", "Summarize a session the way GET /health does", func(ctx context.Context, store *state.Store, session string, _ int, out io.Writer, jsonOut bool) error {
	report, err := orchestrator.New(store, orchestrator.DefaultConfig()).Health(ctx, session)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, report)
	}
	m := report.Metrics
	fmt.Fprintf(out, "Session:   %s\n", report.SessionID)
	fmt.Fprintf(out, "Status:    %s\n", report.Status)
	fmt.Fprintf(out, "Quality:   %.3f (avg %.3f over %d)\n", m.CurrentQuality, m.AvgQualityLast5, m.ObservationCount)
	fmt.Fprintf(out, "Incidents: %d in window\n", m.IncidentCount)
	if len(report.Alerts) > 0 {
		kinds := make([]string, len(report.Alerts))
		for i, a := range report.Alerts {
			kinds[i] = string(a.Kind)
		}
		fmt.Fprintf(out, "Alerts:    %s\n", strings.Join(kinds, ", "))
	}
	for _, e := range m.Effectiveness {
		fmt.Fprintf(out, "Effect:    %-18s %.3f (%d samples)\n", e.Kind, e.Mean, e.Samples)
	}
	for _, r := range report.Recommendations {
		fmt.Fprintf(out, "Persona:   %-12s mean %.3f  confidence %.2f  (%d samples)\n", r.Persona, r.Mean, r.Confidence, r.Samples)
	}
	return nil
})

// #endregion commands

// #region helpers

const timeFmt = "2006-01-02T15:04:05Z"

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stamp(s string) string {
	if strings.HasPrefix(s, "0001-") {
		return "-"
	}
	return s
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *v)
}

// #endregion helpers
