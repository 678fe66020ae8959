package cmds

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/backend/internal/app"
)

// NewSessionsCommand returns the session management commands.
func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored chat sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sessions, err := app.OpenSessions(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer sessions.Close()

			out := cmd.OutOrStdout()
			for _, s := range sessions.List(cmd.Context()) {
				fmt.Fprintf(out, "%s  %-24s %3d turns  %-12s %s\n",
					s.ID, s.Name, s.TurnCount, s.Mode, s.UpdatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sessions, err := app.OpenSessions(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer sessions.Close()

			next, err := sessions.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s, most recent session is %s\n", args[0], next)
			return nil
		},
	})

	return cmd
}
