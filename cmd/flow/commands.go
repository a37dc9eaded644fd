package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/flow/internal/client"
	"github.com/nhle/flow/internal/logging"
	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/store"
	"github.com/nhle/flow/internal/theme"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues from the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := model.Status(listStatus)
		if listStatus != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", listStatus)
		}

		c := client.New(cfg.Client.BaseURL,
			client.WithTimeout(cfg.Client.RequestTimeout),
			client.WithMaxRetries(cfg.Client.MaxRetries),
		)
		issues, err := c.GetAll(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), renderIssues(issues, status))
		return nil
	},
}

// renderIssues formats issues as a table, optionally filtered by status.
func renderIssues(issues []model.Issue, status model.Status) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("#", "STATUS", "PRIORITY", "TITLE", "ASSIGNEE")

	for _, issue := range issues {
		if status != "" && issue.Status != status {
			continue
		}
		assignee := "-"
		if issue.Assignee != nil {
			assignee = *issue.Assignee
		}
		t.Row(
			strconv.FormatInt(issue.IssueNumber, 10),
			issue.Status.Label(),
			string(issue.Priority),
			issue.Title,
			assignee,
		)
	}
	return t.Render()
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the demo issues into an empty store",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, closer, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()

		sc := cfg.Server
		sc.Seed = false
		repo, release, err := openRepository(cmd.Context(), sc, log)
		if err != nil {
			return err
		}
		defer release()

		n, err := store.SeedIfEmpty(cmd.Context(), repo, model.SeedIssues)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "store already has issues, nothing seeded")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d issues\n", n)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", configPath, err)
		}

		if err := model.SaveConfig(configPath, model.DefaultAppConfig()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "only show issues with this status (todo, in_progress, done)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
}
