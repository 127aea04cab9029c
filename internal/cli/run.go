package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hypatia-ai/hypatia/internal/capability"
	"github.com/hypatia-ai/hypatia/internal/config"
	"github.com/hypatia-ai/hypatia/internal/lab"
)

var (
	runGoal      string
	runCount     int
	runSeed      int64
	runSession   string
	runTournMany int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a research session with the scripted capability",
	Long: "Generates hypotheses for the given goal, schedules reviews, runs a\n" +
		"tournament and saves the session. Uses the deterministic scripted\n" +
		"capability; wire a real provider through the lab API for live runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runGoal == "" {
			return fmt.Errorf("--goal is required")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if runSession != "" {
			cfg.Paths.SessionFile = runSession
		}
		if runTournMany > 0 {
			cfg.Tournament.MatchBudget = runTournMany
		}

		l, err := lab.New(cfg, capability.NewScript(runSeed))
		if err != nil {
			return err
		}
		defer l.Stop()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		l.Start(ctx)
		l.SetResearchGoal(runGoal)

		fmt.Printf("%s %s\n", color.CyanString("goal:"), runGoal)
		if _, err := l.GenerateHypotheses(runCount, nil); err != nil {
			return err
		}
		if err := l.Drain(ctx, time.Now().Add(2*time.Minute)); err != nil {
			return err
		}
		fmt.Printf("%s %d hypotheses generated\n", color.GreenString("ok:"), len(l.Store().ListActive()))

		if _, err := l.ReviewHypotheses(nil, nil); err != nil {
			return err
		}
		if err := l.Drain(ctx, time.Now().Add(2*time.Minute)); err != nil {
			return err
		}

		eng, err := l.RunTournament(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d comparisons played\n", color.GreenString("ok:"), eng.Played())

		if _, err := l.Insights(ctx); err != nil {
			slog.Warn("Insight generation failed", "error", err)
		}

		if summary := l.FailureSummary(); summary != "" {
			fmt.Fprintln(os.Stderr, color.YellowString(summary))
		}
		if err := l.Save(""); err != nil {
			return err
		}
		fmt.Printf("%s session saved to %s\n", color.GreenString("ok:"), cfg.Paths.SessionFile)

		printStandings(l.TopHypotheses(10))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runGoal, "goal", "", "research goal to explore")
	runCmd.Flags().IntVar(&runCount, "count", 8, "number of hypotheses to generate")
	runCmd.Flags().Int64Var(&runSeed, "seed", 42, "seed for the scripted capability")
	runCmd.Flags().StringVar(&runSession, "session", "", "session file path (default from config)")
	runCmd.Flags().IntVar(&runTournMany, "matches", 0, "tournament match budget override")
}
