package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnemosyne-dev/mnemosyne/internal/eval"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
)

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search memories with hybrid retrieval",
	Long: `Search memories by combining keyword, vector and graph evidence.

Examples:
  mnemosyne recall "jwt expiry"
  mnemosyne recall "database migrations" --project billing --limit 5
  mnemosyne recall "auth decisions" --graph`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		limit, _ := flags.GetInt("limit")
		graph, _ := flags.GetBool("graph")
		archived, _ := flags.GetBool("archived")
		project, _ := flags.GetString("project")
		session, _ := flags.GetString("session")
		return runRecall(args[0], project, session, limit, graph, archived)
	},
}

func init() {
	recallCmd.Flags().Int("limit", 10, "Maximum results")
	recallCmd.Flags().Bool("graph", false, "Expand results along memory links")
	recallCmd.Flags().Bool("archived", false, "Include archived memories")
	recallCmd.Flags().String("project", "", "Project namespace")
	recallCmd.Flags().String("session", "", "Session id (requires --project)")
}

func runRecall(query, project, session string, limit int, graph, archived bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	return a.instrument(ctx, "recall", func() error {
		ns := namespaceFromFlags(project, session)
		results, err := a.store.HybridSearch(ctx, query, memory.HybridOptions{
			Namespace:       &ns,
			Limit:           limit,
			ExpandGraph:     graph,
			IncludeArchived: archived,
			Scorer:          eval.NewEvaluator(a.evalStore, a.logger),
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No memories matched.")
			return nil
		}
		for i, r := range results {
			title := r.Memory.Summary
			if title == "" {
				title = truncate(r.Memory.Content, 80)
			}
			fmt.Printf("%2d. [%.3f] %s (%s, importance %d)\n",
				i+1, r.Score, title, r.Memory.Namespace, r.Memory.Importance)
		}
		return nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
