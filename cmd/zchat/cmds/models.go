package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
)

// NewModelsCommand lists the local model catalogue.
func NewModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models offered by the local backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backend %s, configured model %s\n", cfg.Inference.Backend, cfg.Inference.Model)
			for _, m := range inference.LocalModels() {
				fmt.Fprintf(out, "  %-18s %-12s %s\n", m.ID, m.Name, m.Description)
			}
			return nil
		},
	}
}
