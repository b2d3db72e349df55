package commands

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jmerkel/devbridge/pkg/devbridge/config"
	"github.com/jmerkel/devbridge/pkg/devbridge/session"
)

// newSessionsCmd creates the `devbridge sessions` command.
func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List registered chat sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Root().PersistentFlags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			registry := session.NewRegistry(cfg.SessionsFile, cfg.ProjectsDir, cfg.Agent.Model, slog.Default())

			snapshot := registry.Snapshot()
			if len(snapshot) == 0 {
				fmt.Println("No sessions registered.")
				return nil
			}

			chats := make([]string, 0, len(snapshot))
			for chat := range snapshot {
				chats = append(chats, chat)
			}
			sort.Strings(chats)

			for _, chat := range chats {
				rec := snapshot[chat]
				workspace := rec.WorkspacePath
				if workspace == "" {
					workspace = "(not activated)"
				}
				model := rec.Model
				if model == "" {
					model = cfg.Agent.Model
				}
				fmt.Printf("%-30s  model=%-12s  %s\n", chat, model, workspace)
			}
			return nil
		},
	}
}
