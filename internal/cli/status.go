package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hypatia-ai/hypatia/internal/config"
	"github.com/hypatia-ai/hypatia/internal/session"
)

var statusSession string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize a saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := session.Load(sessionPath(statusSession))
		if err != nil {
			return err
		}
		active, retired := 0, 0
		versions, feedback := 0, 0
		for _, h := range doc.Hypotheses {
			if h.Retired {
				retired++
			} else {
				active++
			}
			versions += len(h.Versions)
			feedback += len(h.Feedback)
		}
		fmt.Printf("%s %s\n", color.CyanString("created:"), doc.CreatedAt.Format("2006-01-02 15:04:05"))
		if doc.ResearchGoal != "" {
			fmt.Printf("%s %s\n", color.CyanString("goal:"), doc.ResearchGoal)
		}
		fmt.Printf("%s %d active, %d retired (%d versions, %d feedback entries)\n",
			color.CyanString("hypotheses:"), active, retired, versions, feedback)
		fmt.Printf("%s %d\n", color.CyanString("agents:"), len(doc.Agents))
		if len(doc.Tasks) > 0 {
			fmt.Printf("%s %d unresolved\n", color.YellowString("tasks:"), len(doc.Tasks))
		}
		for _, ins := range doc.Insights {
			fmt.Printf("%s %s\n", color.CyanString("insight:"), ins)
		}
		return nil
	},
}

// sessionPath resolves the session file: an explicit flag wins, then the
// config file setting.
func sessionPath(flag string) string {
	if flag != "" {
		return flag
	}
	cfg, err := config.Load()
	if err != nil {
		return config.DefaultConfig().Paths.SessionFile
	}
	return cfg.Paths.SessionFile
}

func init() {
	statusCmd.Flags().StringVar(&statusSession, "session", "", "session file path (default from config)")
}
