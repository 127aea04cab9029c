package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hypatia-ai/hypatia/internal/elo"
	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/session"
	"github.com/hypatia-ai/hypatia/internal/tournament"
)

var (
	topSession string
	topK       int
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the ranked hypotheses of a saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := session.Load(sessionPath(topSession))
		if err != nil {
			return err
		}
		store := hypothesis.NewStore(elo.DefaultConfig())
		store.Restore(doc.Hypotheses)
		standings := tournament.Rankings(store)
		if topK > 0 && topK < len(standings) {
			standings = standings[:topK]
		}
		if doc.ResearchGoal != "" {
			fmt.Printf("%s %s\n", color.CyanString("goal:"), doc.ResearchGoal)
		}
		printStandings(standings)
		return nil
	},
}

func printStandings(standings []tournament.Standing) {
	for _, s := range standings {
		fmt.Printf("%s %-40.40s %s  %dW/%dL/%dD\n",
			color.CyanString("#%-2d", s.Rank),
			s.Title,
			color.GreenString("%.0f", s.Rating),
			s.Wins, s.Losses, s.Draws)
	}
}

func init() {
	topCmd.Flags().StringVar(&topSession, "session", "", "session file path (default from config)")
	topCmd.Flags().IntVar(&topK, "k", 10, "number of rows to print")
}
