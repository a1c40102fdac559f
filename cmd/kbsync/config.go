package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/kbsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example configuration file",
	Long: `Init writes the default configuration to path (kbsync.yaml when omitted).
The format follows the extension: .yaml, .json or .toml. Existing files are
left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "kbsync.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if err := config.SaveExample(path); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]string{"written": path})
		return nil
	}
	printSuccess("Wrote %s", path)
	printInfo("Set GEMINI_API_KEY (or auth.api_key) before running kbsync sync")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if shown.Auth.APIKey != "" {
		shown.Auth.APIKey = "********"
	}

	if jsonOutput {
		printJSON(shown)
		return nil
	}

	data, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
