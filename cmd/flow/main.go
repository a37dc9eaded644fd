package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/flow/internal/model"
)

var (
	configPath string
	cfg        *model.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "flow",
	Short: "Kanban issue tracker",
	Long:  `Flow tracks issues on a three-column board. Run "flow serve" for the API and "flow board" for the terminal UI.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == configInitCmd.Name() {
			return nil
		}
		loaded, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
