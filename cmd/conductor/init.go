package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up configuration and the database",
	Long: `Prepare this machine for conductor.

Writes a default config file to ~/.config/conductor/config.yaml if none
exists, creates the database, and checks for API credentials.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.GetUserConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(config.Default()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		printStatus("✓", fmt.Sprintf("Created %s", configPath), color.FgGreen)
	} else {
		printStatus("✓", fmt.Sprintf("Config exists at %s", configPath), color.FgGreen)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		printStatus("✗", fmt.Sprintf("Database init failed: %v", err), color.FgRed)
		return err
	}
	printStatus("✓", fmt.Sprintf("Database ready at %s", s.Path()), color.FgGreen)
	s.Close()

	if _, err := config.GetAPIKey(cfg); err != nil {
		printStatus("⚠", "No Anthropic API key configured (set ANTHROPIC_API_KEY or anthropic.api_key)", color.FgYellow)
	} else {
		printStatus("✓", "Anthropic API key found", color.FgGreen)
	}

	fmt.Printf("\n%s conductor is ready. Register agents and pipelines, then run 'conductor serve'.\n",
		color.GreenString("✓"))
	return nil
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
