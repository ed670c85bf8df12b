package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
)

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a memory",
	Long: `Store a memory with optional metadata.

Examples:
  mnemosyne remember "always use snake_case for table names"
  mnemosyne remember "auth tokens expire after 1h" --keywords "auth,jwt" --importance 8
  mnemosyne remember "this repo pins sqlite 3.45" --project billing`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		tags, _ := flags.GetString("tags")
		keywords, _ := flags.GetString("keywords")
		summary, _ := flags.GetString("summary")
		project, _ := flags.GetString("project")
		session, _ := flags.GetString("session")
		importance, _ := flags.GetInt("importance")
		memType, _ := flags.GetString("type")
		return runRemember(args[0], summary, memType, tags, keywords, project, session, importance)
	},
}

func init() {
	rememberCmd.Flags().String("tags", "", "Comma-separated tags")
	rememberCmd.Flags().String("keywords", "", "Comma-separated keywords")
	rememberCmd.Flags().String("summary", "", "One-line summary")
	rememberCmd.Flags().String("project", "", "Project namespace")
	rememberCmd.Flags().String("session", "", "Session id (requires --project)")
	rememberCmd.Flags().Int("importance", 5, "Importance 1-10")
	rememberCmd.Flags().String("type", string(memory.TypeInsight), "Memory type")
}

func runRemember(content, summary, memType, tagsStr, keywordsStr, project, session string, importance int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	return a.instrument(ctx, "remember", func() error {
		m, err := a.store.StoreMemory(ctx, &memory.Memory{
			Namespace:   namespaceFromFlags(project, session),
			Content:     content,
			Summary:     summary,
			Type:        memory.Type(memType),
			Tags:        splitCSV(tagsStr),
			Keywords:    splitCSV(keywordsStr),
			Importance:  importance,
			UserCreated: true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Remembered %s in %s\n", m.ID, m.Namespace)
		return nil
	})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
