package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/backend/internal/app"
)

// NewKnowledgeCommand returns the knowledge base commands.
func NewKnowledgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the knowledge base",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ingest <dir>",
		Short: "Chunk, embed and index the markdown files under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Knowledge.Enabled() {
				return errors.New("no embedder configured, set KNOWLEDGE_EMBEDDER")
			}
			if cfg.Knowledge.DBPath == "" {
				return errors.New("KNOWLEDGE_DB_PATH is required to keep ingested documents")
			}

			kcfg := cfg.Knowledge
			kcfg.Dir = args[0]
			kb, err := app.OpenKnowledge(cmd.Context(), kcfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d chunks indexed in %s\n", kb.Count(), kcfg.DBPath)
			return nil
		},
	})

	return cmd
}
