package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/attending-controller/internal/replay"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region main

var rootCmd = &cobra.Command{
	Use:           "replay",
	Short:         "Replay recorded sessions against the current protocol ladder",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// errDiverged makes the process exit 1 without an extra message.
var errDiverged = errors.New("replay diverged")

func init() {
	runCmd.Flags().String("fixture", "", "path to fixture JSON")
	runCmd.Flags().String("db", "", "scratch database for the run (default: temporary)")

	exportCmd.Flags().String("db", "attending.db", "path to the controller database")
	exportCmd.Flags().String("session", "", "session id to export")
	exportCmd.Flags().Int("last", 0, "keep only the N most recent turns (0 = all)")
	exportCmd.Flags().String("out", "", "output fixture JSON path")

	rootCmd.AddCommand(runCmd, exportCmd)
}

func main() {
	err := rootCmd.Execute()
	switch {
	case errors.Is(err, errDiverged):
		os.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

// #endregion main

// #region run

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay a fixture and compare each turn with its expected action",
	RunE: func(cmd *cobra.Command, args []string) error {
		fixturePath, _ := cmd.Flags().GetString("fixture")
		dbPath, _ := cmd.Flags().GetString("db")
		if fixturePath == "" {
			return fmt.Errorf("--fixture is required")
		}
		f, err := replay.LoadFixture(fixturePath)
		if err != nil {
			return err
		}

		if dbPath == "" {
			dir, err := os.MkdirTemp("", "replay-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			dbPath = filepath.Join(dir, "replay.db")
		}
		store, err := state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()

		results, err := replay.Replay(cmd.Context(), store, f)
		if err != nil {
			return err
		}
		expected := make([]string, len(f.ExpectedResults))
		for i, e := range f.ExpectedResults {
			expected[i] = e.Action
		}
		if printComparison(cmd.OutOrStdout(), results, expected) > 0 {
			return errDiverged
		}
		return nil
	},
}

// #endregion run

// #region export

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a recorded session out as a replay fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		session, _ := cmd.Flags().GetString("session")
		last, _ := cmd.Flags().GetInt("last")
		outPath, _ := cmd.Flags().GetString("out")
		if session == "" || outPath == "" {
			return fmt.Errorf("--session and --out are required")
		}

		store, err := state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()

		f, err := replay.Export(cmd.Context(), store, session, last)
		if err != nil {
			return err
		}
		if err := replay.WriteFixture(outPath, f); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d turns to %s\n", len(f.Turns), outPath)
		return nil
	},
}

// #endregion export

// #region output

// printComparison outputs a comparison table and returns the number of
// diverging turns.
func printComparison(out io.Writer, results []replay.Result, expected []string) int {
	fmt.Fprintf(out, "%-12s| %-20s| %-20s| %s\n", "Turn", "Expected", "Replayed", "Match")
	fmt.Fprintf(out, "%-12s+%-21s+%-21s+%s\n",
		"------------", "---------------------", "---------------------", "------")

	total := min(len(results), len(expected))
	matches := 0
	for i := 0; i < total; i++ {
		match := "DIFF"
		if results[i].Action == expected[i] {
			match = "OK"
			matches++
		}
		fmt.Fprintf(out, "%-12s| %-20s| %-20s| %s\n", results[i].TurnID, expected[i], results[i].Action, match)
	}

	s := replay.Summarize(results)
	diverge := total - matches + abs(len(results)-len(expected))
	fmt.Fprintf(out, "\nSummary: %d total, %d match, %d diverge\n", total, matches, diverge)
	fmt.Fprintf(out, "Executed %d (halted %d), suggested %d, pending %d, default %d, back-filled %d (mean effectiveness %.3f)\n",
		s.Executed, s.Halted, s.Suggested, s.Pending, s.Defaults, s.Backfills, s.MeanEffectiveness)
	return diverge
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// #endregion output
